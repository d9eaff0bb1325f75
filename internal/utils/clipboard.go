package utils

import "github.com/atotto/clipboard"

// SystemClipboard writes to the clipboard of the host the process runs on.
type SystemClipboard struct{}

func (SystemClipboard) WriteAll(text string) error {
	return clipboard.WriteAll(text)
}
