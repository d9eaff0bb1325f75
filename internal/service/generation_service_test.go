package service_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"aicodeview-backend/internal/detector"
	"aicodeview-backend/internal/generator"
	"aicodeview-backend/internal/model"
	"aicodeview-backend/internal/provider"
	"aicodeview-backend/internal/service"
	"aicodeview-backend/internal/storage"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("GenerationService", func() {
	var (
		prov  *mockProvider
		store *storage.MemoryStorage
		opts  service.Options
		svc   *service.GenerationService
	)

	newServiceOn := func(backing storage.Storage) {
		svc = service.NewGenerationService(generator.New(prov, 3), backing, opts)
		DeferCleanup(svc.Close)
	}

	newService := func() { newServiceOn(store) }

	stateOf := func(id string) model.State {
		s, err := svc.GetSession(id)
		Expect(err).NotTo(HaveOccurred())
		return s.State
	}

	BeforeEach(func() {
		prov = &mockProvider{}
		store = storage.NewMemoryStorage()
		Expect(store.Init()).To(Succeed())
		opts = service.Options{CopiedTTL: 50 * time.Millisecond}
	})

	Describe("sessions", func() {
		BeforeEach(newService)

		It("creates a session with the initial state and a default title", func() {
			s, err := svc.CreateSession("")
			Expect(err).NotTo(HaveOccurred())
			Expect(s.ID).NotTo(BeEmpty())
			Expect(s.Title).To(HavePrefix("Untitled"))
			Expect(s.State.Language).To(Equal(detector.JavaScript))
			Expect(s.State.Loading).To(BeFalse())
		})

		It("deletes a session and reports unknown ids", func() {
			s, _ := svc.CreateSession("x")
			Expect(svc.DeleteSession(s.ID)).To(Succeed())
			_, err := svc.GetSession(s.ID)
			Expect(err).To(MatchError(storage.ErrSessionNotFound))
		})
	})

	Describe("Generate", func() {
		var id string

		BeforeEach(func() {
			newService()
			s, err := svc.CreateSession("gen")
			Expect(err).NotTo(HaveOccurred())
			id = s.ID
		})

		It("publishes formatted code and the detected language", func() {
			prov.generateFn = func(_ context.Context, _ string) (string, error) {
				return "```python\ndef f():\nreturn 1\n```", nil
			}

			st, err := svc.Generate(context.Background(), id, "a function")
			Expect(err).NotTo(HaveOccurred())
			Expect(st.Code).To(Equal("def f():\nreturn 1"))
			Expect(st.Language).To(Equal(detector.Python))
			Expect(st.Loading).To(BeFalse())
			Expect(st.Error).To(BeEmpty())
			Expect(stateOf(id)).To(Equal(st))
		})

		It("publishes the validation message without calling the provider", func() {
			st, err := svc.Generate(context.Background(), id, "  ab  ")

			var ge *generator.Error
			Expect(errors.As(err, &ge)).To(BeTrue())
			Expect(ge.Kind).To(Equal(generator.KindValidation))
			Expect(st.Error).To(Equal("Please enter at least 3 characters to generate code."))
			Expect(st.Loading).To(BeFalse())
			Expect(prov.calls.Load()).To(BeZero())
		})

		It("keeps the previous code when the provider fails", func() {
			prov.generateFn = func(_ context.Context, _ string) (string, error) {
				return "const a = 1", nil
			}
			_, err := svc.Generate(context.Background(), id, "first")
			Expect(err).NotTo(HaveOccurred())

			prov.generateFn = func(_ context.Context, _ string) (string, error) {
				return "", &provider.RemoteError{Provider: "mock", StatusCode: 429, Message: "Quota exceeded"}
			}
			st, err := svc.Generate(context.Background(), id, "second")
			Expect(err).To(HaveOccurred())
			Expect(st.Error).To(Equal("Quota exceeded"))
			Expect(st.Code).To(Equal("const a = 1"))
			Expect(st.Loading).To(BeFalse())
		})

		It("clears a previous error when the next attempt starts", func() {
			_, _ = svc.Generate(context.Background(), id, "x")
			Expect(stateOf(id).Error).NotTo(BeEmpty())

			prov.generateFn = func(_ context.Context, _ string) (string, error) {
				return "print(1)", nil
			}
			st, err := svc.Generate(context.Background(), id, "print one")
			Expect(err).NotTo(HaveOccurred())
			Expect(st.Error).To(BeEmpty())
		})

		It("returns not found for an unknown session", func() {
			_, err := svc.Generate(context.Background(), "missing", "hello")
			Expect(err).To(MatchError(storage.ErrSessionNotFound))
		})

		It("streams every published state to subscribers", func() {
			ch, cancel, err := svc.Subscribe(id)
			Expect(err).NotTo(HaveOccurred())
			defer cancel()

			prov.generateFn = func(_ context.Context, _ string) (string, error) {
				return "#include <stdio.h>", nil
			}
			_, err = svc.Generate(context.Background(), id, "hello world in c")
			Expect(err).NotTo(HaveOccurred())

			var initial, started, done model.State
			Eventually(ch).Should(Receive(&initial))
			Eventually(ch).Should(Receive(&started))
			Eventually(ch).Should(Receive(&done))
			Expect(initial.Loading).To(BeFalse())
			Expect(started.Loading).To(BeTrue())
			Expect(done.Loading).To(BeFalse())
			Expect(done.Language).To(Equal(detector.Cpp))
		})

		It("closes subscriptions when the session is deleted", func() {
			ch, cancel, err := svc.Subscribe(id)
			Expect(err).NotTo(HaveOccurred())
			defer cancel()

			Eventually(ch).Should(Receive())
			Expect(svc.DeleteSession(id)).To(Succeed())
			Eventually(ch).Should(BeClosed())
		})
	})

	Describe("in-flight policies", func() {
		var (
			id      string
			release chan struct{}
		)

		blockingProvider := func() {
			release = make(chan struct{})
			prov.generateFn = func(ctx context.Context, _ string) (string, error) {
				select {
				case <-release:
					return "let x = 1", nil
				case <-ctx.Done():
					return "", ctx.Err()
				}
			}
		}

		start := func() {
			newService()
			s, err := svc.CreateSession("busy")
			Expect(err).NotTo(HaveOccurred())
			id = s.ID
			blockingProvider()
		}

		It("rejects a second request by default and leaves state untouched", func() {
			start()

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				_, err := svc.Generate(context.Background(), id, "first request")
				Expect(err).NotTo(HaveOccurred())
			}()

			Eventually(func() bool { return stateOf(id).Loading }).Should(BeTrue())
			before := stateOf(id)

			_, err := svc.Generate(context.Background(), id, "second request")
			Expect(err).To(MatchError(service.ErrBusy))
			Expect(stateOf(id)).To(Equal(before))

			close(release)
			wg.Wait()
			Expect(prov.calls.Load()).To(BeEquivalentTo(1))
			Expect(stateOf(id).Loading).To(BeFalse())
		})

		It("shares one provider call when coalescing", func() {
			opts.Policy = service.PolicyCoalesce
			start()

			results := make(chan model.State, 2)
			for i := 0; i < 2; i++ {
				go func() {
					defer GinkgoRecover()
					st, err := svc.Generate(context.Background(), id, "same thing")
					Expect(err).NotTo(HaveOccurred())
					results <- st
				}()
			}

			Eventually(func() bool { return stateOf(id).Loading }).Should(BeTrue())
			time.Sleep(50 * time.Millisecond)
			close(release)

			var a, b model.State
			Eventually(results).Should(Receive(&a))
			Eventually(results).Should(Receive(&b))
			Expect(a.Code).To(Equal("let x = 1"))
			Expect(b.Code).To(Equal(a.Code))
			Expect(prov.calls.Load()).To(BeEquivalentTo(1))
		})

		It("keeps the shared call alive when the caller that started it leaves", func() {
			opts.Policy = service.PolicyCoalesce
			start()

			ctxA, cancelA := context.WithCancel(context.Background())
			errA := make(chan error, 1)
			go func() {
				_, err := svc.Generate(ctxA, id, "shared work")
				errA <- err
			}()
			Eventually(func() bool { return stateOf(id).Loading }).Should(BeTrue())

			type outcome struct {
				st  model.State
				err error
			}
			resB := make(chan outcome, 1)
			go func() {
				st, err := svc.Generate(context.Background(), id, "shared work")
				resB <- outcome{st, err}
			}()
			time.Sleep(50 * time.Millisecond)

			cancelA()
			var err error
			Eventually(errA).Should(Receive(&err))
			Expect(err).To(MatchError(context.Canceled))
			Expect(stateOf(id).Loading).To(BeTrue())

			close(release)
			var b outcome
			Eventually(resB).Should(Receive(&b))
			Expect(b.err).NotTo(HaveOccurred())
			Expect(b.st.Code).To(Equal("let x = 1"))
			Expect(b.st.Error).To(BeEmpty())
			Expect(stateOf(id).Error).To(BeEmpty())
			Expect(prov.calls.Load()).To(BeEquivalentTo(1))
		})

		It("lets both calls through when racing", func() {
			opts.Policy = service.PolicyRace
			start()

			var wg sync.WaitGroup
			for i := 0; i < 2; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					_, err := svc.Generate(context.Background(), id, "race me")
					Expect(err).NotTo(HaveOccurred())
				}()
			}

			Eventually(func() int32 { return prov.calls.Load() }).Should(BeEquivalentTo(2))
			close(release)
			wg.Wait()
			Expect(stateOf(id).Loading).To(BeFalse())
		})

		It("clears loading when the caller cancels", func() {
			start()
			ctx, cancel := context.WithCancel(context.Background())

			done := make(chan error, 1)
			go func() {
				_, err := svc.Generate(ctx, id, "cancel me")
				done <- err
			}()

			Eventually(func() bool { return stateOf(id).Loading }).Should(BeTrue())
			cancel()

			var err error
			Eventually(done).Should(Receive(&err))
			Expect(err).To(HaveOccurred())
			st := stateOf(id)
			Expect(st.Loading).To(BeFalse())
			Expect(st.Error).To(Equal(generator.MsgGeneric))
		})
	})

	Describe("Copy", func() {
		var (
			id   string
			clip *mockClipboard
		)

		BeforeEach(func() {
			newService()
			s, _ := svc.CreateSession("copy")
			id = s.ID
			clip = &mockClipboard{}
			prov.generateFn = func(_ context.Context, _ string) (string, error) {
				return "console.log(1)", nil
			}
			_, err := svc.Generate(context.Background(), id, "log one")
			Expect(err).NotTo(HaveOccurred())
		})

		It("copies the code and clears the indicator after the ttl", func() {
			st, err := svc.Copy(context.Background(), id, clip)
			Expect(err).NotTo(HaveOccurred())
			Expect(st.Copied).To(BeTrue())
			Expect(clip.last()).To(Equal("console.log(1)"))

			Eventually(func() bool { return stateOf(id).Copied }).Should(BeFalse())
		})

		It("publishes the clipboard message on failure", func() {
			clip.err = errors.New("no display")

			st, err := svc.Copy(context.Background(), id, clip)
			Expect(err).To(MatchError(service.ErrClipboard))
			Expect(st.Error).To(Equal(service.MsgClipboard))
			Expect(st.Copied).To(BeFalse())
		})

		It("resets the indicator when the next generation starts", func() {
			_, err := svc.Copy(context.Background(), id, clip)
			Expect(err).NotTo(HaveOccurred())

			st, err := svc.Generate(context.Background(), id, "again")
			Expect(err).NotTo(HaveOccurred())
			Expect(st.Copied).To(BeFalse())
		})
	})

	Describe("CleanupExpired", func() {
		BeforeEach(func() {
			opts.SessionTTL = time.Hour
			newService()
		})

		It("removes idle sessions only", func() {
			old, _ := svc.CreateSession("old")
			fresh, _ := svc.CreateSession("fresh")

			stale, err := store.GetSession(old.ID)
			Expect(err).NotTo(HaveOccurred())
			stale.UpdatedAt = time.Now().Add(-2 * time.Hour)
			Expect(store.SaveSession(stale)).To(Succeed())

			Expect(svc.CleanupExpired(time.Now())).To(Equal(1))
			_, err = svc.GetSession(old.ID)
			Expect(err).To(MatchError(storage.ErrSessionNotFound))
			_, err = svc.GetSession(fresh.ID)
			Expect(err).NotTo(HaveOccurred())
		})

		It("keeps sessions with a call in flight", func() {
			release := make(chan struct{})
			prov.generateFn = func(context.Context, string) (string, error) {
				<-release
				return "var a", nil
			}
			s, _ := svc.CreateSession("busy")

			done := make(chan error, 1)
			go func() {
				_, err := svc.Generate(context.Background(), s.ID, "slow one")
				done <- err
			}()
			Eventually(func() bool { return stateOf(s.ID).Loading }).Should(BeTrue())

			busy, _ := store.GetSession(s.ID)
			busy.UpdatedAt = time.Now().Add(-2 * time.Hour)
			Expect(store.SaveSession(busy)).To(Succeed())

			Expect(svc.CleanupExpired(time.Now())).To(BeZero())

			close(release)
			Eventually(done).Should(Receive(BeNil()))
		})

		It("removes sessions whose stored loading flag is stale", func() {
			s, _ := svc.CreateSession("stale")
			stale, _ := store.GetSession(s.ID)
			stale.State = stale.State.Started()
			stale.UpdatedAt = time.Now().Add(-2 * time.Hour)
			Expect(store.SaveSession(stale)).To(Succeed())

			Expect(svc.CleanupExpired(time.Now())).To(Equal(1))
		})
	})

	Describe("stored state", func() {
		It("ignores a loading flag it did not set", func() {
			newService()
			s, _ := svc.CreateSession("stale")
			stale, _ := store.GetSession(s.ID)
			stale.State = stale.State.Started()
			Expect(store.SaveSession(stale)).To(Succeed())

			Expect(stateOf(s.ID).Loading).To(BeFalse())

			prov.generateFn = func(context.Context, string) (string, error) { return "print(1)", nil }
			st, err := svc.Generate(context.Background(), s.ID, "print one")
			Expect(err).NotTo(HaveOccurred())
			Expect(st.Code).To(Equal("print(1)"))
			Expect(st.Loading).To(BeFalse())
		})

		It("falls back to the default label for an unknown stored language", func() {
			newService()
			s, _ := svc.CreateSession("odd")
			odd, _ := store.GetSession(s.ID)
			odd.State.Language = "rust"
			Expect(store.SaveSession(odd)).To(Succeed())

			Expect(stateOf(s.ID).Language).To(Equal(detector.JavaScript))
		})

		It("unlocks the session when the final save fails", func() {
			flaky := &flakyStorage{Storage: store}
			newServiceOn(flaky)
			s, _ := svc.CreateSession("flaky")

			prov.generateFn = func(context.Context, string) (string, error) { return "print(1)", nil }
			flaky.failSave = func(session *model.Session) bool { return !session.State.Loading }

			_, err := svc.Generate(context.Background(), s.ID, "print one")
			Expect(err).To(MatchError(errSaveFailed))

			stored, _ := store.GetSession(s.ID)
			Expect(stored.State.Loading).To(BeTrue())
			Expect(stateOf(s.ID).Loading).To(BeFalse())

			flaky.failSave = nil
			_, err = svc.Generate(context.Background(), s.ID, "print one")
			Expect(err).NotTo(HaveOccurred())
			Expect(prov.calls.Load()).To(BeEquivalentTo(2))
		})

		It("unlocks the session when the start cannot be saved", func() {
			flaky := &flakyStorage{Storage: store}
			newServiceOn(flaky)
			s, _ := svc.CreateSession("flaky")

			flaky.failSave = func(*model.Session) bool { return true }
			_, err := svc.Generate(context.Background(), s.ID, "print one")
			Expect(err).To(MatchError(errSaveFailed))
			Expect(prov.calls.Load()).To(BeZero())

			flaky.failSave = nil
			prov.generateFn = func(context.Context, string) (string, error) { return "print(1)", nil }
			_, err = svc.Generate(context.Background(), s.ID, "print one")
			Expect(err).NotTo(HaveOccurred())
		})

		It("recovers a session left mid-call on disk by a previous process", func() {
			dir := GinkgoT().TempDir()
			opts.SessionTTL = time.Hour

			first := storage.NewDiskStorage(dir, 8)
			Expect(first.Init()).To(Succeed())
			newServiceOn(first)
			s, err := svc.CreateSession("crashed")
			Expect(err).NotTo(HaveOccurred())

			crashed, _ := first.GetSession(s.ID)
			crashed.State = crashed.State.Started()
			Expect(first.SaveSession(crashed)).To(Succeed())
			svc.Close()
			Expect(first.Close()).To(Succeed())

			second := storage.NewDiskStorage(dir, 8)
			Expect(second.Init()).To(Succeed())
			DeferCleanup(second.Close)
			newServiceOn(second)

			Expect(stateOf(s.ID).Loading).To(BeFalse())

			prov.generateFn = func(context.Context, string) (string, error) { return "print(1)", nil }
			st, err := svc.Generate(context.Background(), s.ID, "print one")
			Expect(err).NotTo(HaveOccurred())
			Expect(st.Code).To(Equal("print(1)"))
			Expect(prov.calls.Load()).To(BeEquivalentTo(1))

			idle, _ := second.GetSession(s.ID)
			idle.State = idle.State.Started()
			idle.UpdatedAt = time.Now().Add(-2 * time.Hour)
			Expect(second.SaveSession(idle)).To(Succeed())
			Expect(svc.CleanupExpired(time.Now())).To(Equal(1))
		})
	})

	DescribeTable("ParsePolicy",
		func(in string, want service.Policy, ok bool) {
			got, err := service.ParsePolicy(in)
			if !ok {
				Expect(err).To(MatchError(service.ErrUnknownPolicy))
				return
			}
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(want))
		},
		Entry("empty", "", service.PolicyReject, true),
		Entry("reject", "reject", service.PolicyReject, true),
		Entry("coalesce", "coalesce", service.PolicyCoalesce, true),
		Entry("race", "race", service.PolicyRace, true),
		Entry("unknown", "queue", service.Policy(""), false),
	)
})
