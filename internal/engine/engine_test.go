package engine

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/apptrail-sh/orchestrator/internal/health"
	"github.com/apptrail-sh/orchestrator/internal/model"
	"github.com/apptrail-sh/orchestrator/internal/provision"
	"github.com/apptrail-sh/orchestrator/internal/rollout"
	"github.com/apptrail-sh/orchestrator/internal/strategy"
	"github.com/apptrail-sh/orchestrator/internal/traffic"
)

var _ = Describe("Engine", func() {
	var h *harness

	BeforeEach(func() {
		h = newHarness()
	})

	Describe("Deploy", func() {
		It("rejects unknown configs", func() {
			_, err := h.engine.Deploy(context.Background(), "missing")
			Expect(errors.Is(err, model.ErrConfigNotFound)).To(BeTrue())
		})

		It("initializes the record before the rollout starts", func() {
			cfg := newConfig(model.StrategyCanary, "2.0.0")
			cfg.Canary = &model.CanaryParams{IncrementPercentage: 50, IncrementDuration: metav1.Duration{Duration: time.Hour}}
			d := h.deploy(h.create(cfg))

			Expect(d.ID).NotTo(BeEmpty())
			Expect(d.Status).To(Equal(model.StatusInProgress))
			Expect(d.TrafficSplit).To(Equal(map[string]int{traffic.Stable: 100, traffic.Canary: 0}))
			Expect(d.Progress.RemainingPhases).To(Equal([]string{strategy.PhaseDeployCanary, "Canary-50%", "Canary-100%"}))
			Expect(d.Events).NotTo(BeEmpty())
			Expect(d.Events[0].Phase).To(Equal(phaseInitialization))
			Expect(d.EstimatedCompletion).NotTo(BeNil())
			Expect(d.Rollback.Available).To(BeTrue())

			ok, err := h.engine.Cancel(d.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			h.wait(d.ID)
		})

		It("generates a fresh id per call", func() {
			cfg := newConfig(model.StrategyBlueGreen, "2.0.0")
			id := h.create(cfg)
			first := h.deploy(id)
			second := h.deploy(id)
			Expect(first.ID).NotTo(Equal(second.ID))
			h.wait(first.ID)
			h.wait(second.ID)
		})
	})

	It("completes a healthy blue-green deployment", func() {
		cfg := newConfig(model.StrategyBlueGreen, "2.0.0")
		cfg.BlueGreen = &model.BlueGreenParams{MonitorDuration: metav1.Duration{Duration: ms(10)}}
		d := h.deploy(h.create(cfg))

		final := h.wait(d.ID)
		Expect(final.Status).To(Equal(model.StatusSuccessful))
		Expect(final.TrafficSplit).To(Equal(map[string]int{traffic.Blue: 0, traffic.Green: 100}))
		Expect(final.Version.Current).To(Equal("2.0.0"))
		Expect(final.Progress.Percentage).To(Equal(100))
		Expect(final.Progress.RemainingPhases).To(BeEmpty())
		Expect(final.Health.Healthy).To(Equal(3))
		Expect(final.Health.Checks).To(HaveKey("http"))
		Expect(final.Health.Checks).To(HaveKey("tcp"))
		Expect(final.CompletedAt).NotTo(BeNil())

		msgs := h.sink.messages(d.ID)
		Expect(msgs).NotTo(BeEmpty())
		Expect(msgs[0].Event.Phase).To(Equal(phaseInitialization))
		Expect(msgs[len(msgs)-1].Status).To(Equal(model.StatusSuccessful))
		Expect(msgs[len(msgs)-1].Event.Severity).To(Equal(model.SeveritySuccess))
		Expect(h.state.statuses(d.ID)).To(ContainElement(model.StatusSuccessful))

		labels := prometheus.Labels{"deployment_id": d.ID}
		Expect(deploymentStatusGauge.DeletePartialMatch(labels)).To(BeZero())
		Expect(deploymentProgressGauge.DeletePartialMatch(labels)).To(BeZero())
		Expect(trafficSplitGauge.DeletePartialMatch(labels)).To(BeZero())
	})

	It("rolls a canary back when the error rate breaches the threshold", func() {
		cfg := newConfig(model.StrategyCanary, "2.0.0")
		cfg.Canary = &model.CanaryParams{IncrementPercentage: 25, IncrementDuration: metav1.Duration{Duration: ms(10)}}
		h.metrics.Set(model.MetricsSnapshot{ErrorRate: 5, Latency: model.Latency{P95: 100}})
		d := h.deploy(h.create(cfg))

		final := h.wait(d.ID)
		Expect(final.Status).To(Equal(model.StatusRolledBack))
		Expect(final.TrafficSplit).To(Equal(map[string]int{traffic.Stable: 100, traffic.Canary: 0}))
		Expect(final.Rollback.Reason).To(ContainSubstring("error rate"))
		Expect(final.Progress.Percentage).To(Equal(0))

		for _, split := range splitsOf(final) {
			Expect(split[traffic.Canary]).To(BeNumerically("<=", 25))
		}
		Expect(h.prov.Variants()).NotTo(ContainElement(traffic.Canary))
	})

	It("advances canary traffic monotonically to 100", func() {
		cfg := newConfig(model.StrategyCanary, "2.0.0")
		cfg.Canary = &model.CanaryParams{Percentage: 10, IncrementPercentage: 30, IncrementDuration: metav1.Duration{Duration: ms(5)}}
		d := h.deploy(h.create(cfg))

		final := h.wait(d.ID)
		Expect(final.Status).To(Equal(model.StatusSuccessful))

		splits := splitsOf(final)
		Expect(splits).To(HaveLen(4))
		previous := 0
		for _, split := range splits {
			Expect(split[traffic.Stable] + split[traffic.Canary]).To(Equal(100))
			Expect(split[traffic.Canary]).To(BeNumerically(">=", previous))
			previous = split[traffic.Canary]
		}
		Expect(previous).To(Equal(100))
	})

	Describe("rolling with one bad replica", func() {
		var cfg model.DeploymentConfig

		BeforeEach(func() {
			cfg = newConfig(model.StrategyRolling, "2.0.0")
			h.probes.set(func(target health.Target, _ model.HealthCheck) bool {
				return target.Replica != 2
			})
		})

		It("fails without auto rollback", func() {
			final := h.wait(h.deploy(h.create(cfg)).ID)
			Expect(final.Status).To(Equal(model.StatusFailed))
			Expect(final.Health.Healthy).To(Equal(1))
			Expect(final.FailureReason).To(ContainSubstring("health check failed"))
		})

		It("rolls back with auto rollback", func() {
			cfg.Rollback.AutoRollback = true
			final := h.wait(h.deploy(h.create(cfg)).ID)
			Expect(final.Status).To(Equal(model.StatusRolledBack))
			Expect(final.Health.Healthy).To(Equal(1))
			Expect(final.TrafficSplit).To(Equal(map[string]int{traffic.Stable: 100, traffic.Canary: 0}))
		})
	})

	It("holds a paused deployment at the phase boundary until resumed", func() {
		cfg := newConfig(model.StrategyCanary, "2.0.0")
		cfg.Canary = &model.CanaryParams{IncrementPercentage: 20, IncrementDuration: metav1.Duration{Duration: ms(20)}}
		d := h.deploy(h.create(cfg))

		ok, err := h.engine.Pause(d.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(h.status(d.ID)()).To(Equal(model.StatusPaused))

		again, _ := h.engine.Pause(d.ID)
		Expect(again).To(BeFalse())

		// Let the phase in flight finish.
		time.Sleep(ms(100))
		held, err := h.engine.Get(d.ID)
		Expect(err).NotTo(HaveOccurred())
		completed := len(held.Progress.CompletedPhases)

		Consistently(func() int {
			current, _ := h.engine.Get(d.ID)
			return len(current.Progress.CompletedPhases)
		}, ms(200), ms(20)).Should(Equal(completed))
		Expect(h.status(d.ID)()).To(Equal(model.StatusPaused))

		ok, err = h.engine.Resume(d.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())

		Eventually(h.status(d.ID), timeout, ms(10)).Should(Equal(model.StatusSuccessful))
		resumedAgain, _ := h.engine.Resume(d.ID)
		Expect(resumedAgain).To(BeFalse())
	})

	It("holds completion when paused during the final phase", func() {
		cfg := newConfig(model.StrategyBlueGreen, "2.0.0")
		cfg.BlueGreen = &model.BlueGreenParams{MonitorDuration: metav1.Duration{Duration: ms(300)}}
		d := h.deploy(h.create(cfg))

		Eventually(func() string {
			current, _ := h.engine.Get(d.ID)
			return current.Progress.CurrentPhase
		}, timeout, ms(5)).Should(Equal(strategy.PhaseMonitor))

		ok, err := h.engine.Pause(d.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())

		Consistently(h.status(d.ID), ms(600), ms(20)).Should(Equal(model.StatusPaused))
		Expect(testutil.CollectAndCount(deploymentStatusGauge)).To(BeNumerically(">=", 1))

		ok, err = h.engine.Resume(d.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())

		final := h.wait(d.ID)
		Expect(final.Status).To(Equal(model.StatusSuccessful))
		Expect(final.Version.Current).To(Equal("2.0.0"))
	})

	Describe("Cancel", func() {
		It("flips to CANCELLED at once and reverts in the background", func() {
			cfg := newConfig(model.StrategyCanary, "2.0.0")
			cfg.Canary = &model.CanaryParams{IncrementPercentage: 50, IncrementDuration: metav1.Duration{Duration: time.Hour}}
			d := h.deploy(h.create(cfg))

			Eventually(func() []string {
				current, _ := h.engine.Get(d.ID)
				return current.Progress.CompletedPhases
			}, timeout, ms(10)).Should(ContainElement(strategy.PhaseDeployCanary))

			ok, err := h.engine.Cancel(d.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(h.status(d.ID)()).To(Equal(model.StatusCancelled))

			final := h.wait(d.ID)
			Expect(final.Status).To(Equal(model.StatusCancelled))
			Expect(final.TrafficSplit).To(Equal(map[string]int{traffic.Stable: 100, traffic.Canary: 0}))
			Expect(final.Rollback.Reason).To(Equal("deployment cancelled"))
			Expect(h.prov.Calls()).To(ContainElement(provision.Call{Op: "terminate", Variant: traffic.Canary, Version: "2.0.0"}))

			again, err := h.engine.Cancel(d.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(again).To(BeFalse())
		})

		It("reports unknown deployments", func() {
			_, err := h.engine.Cancel("missing")
			Expect(errors.Is(err, model.ErrDeploymentNotFound)).To(BeTrue())
		})
	})

	Describe("Rollback", func() {
		It("reverts a running deployment once", func() {
			cfg := newConfig(model.StrategyCanary, "2.0.0")
			cfg.Canary = &model.CanaryParams{IncrementPercentage: 50, IncrementDuration: metav1.Duration{Duration: time.Hour}}
			d := h.deploy(h.create(cfg))

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			result, err := h.engine.Rollback(ctx, d.ID, "manual check failed")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Success).To(BeTrue())
			Expect(result.Reason).To(Equal("manual check failed"))
			Expect(result.AffectedInstances).To(Equal(3))

			final := h.wait(d.ID)
			Expect(final.Status).To(Equal(model.StatusRolledBack))
			Expect(final.Rollback.Available).To(BeFalse())

			second, err := h.engine.Rollback(ctx, d.ID, "another reason")
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Reason).To(Equal("manual check failed"))
			Expect(second.Duration).To(Equal(result.Duration))
		})

		It("reverts a FAILED deployment on request", func() {
			cfg := newConfig(model.StrategyRolling, "2.0.0")
			h.probes.set(func(target health.Target, _ model.HealthCheck) bool { return target.Replica != 1 })
			d := h.deploy(h.create(cfg))
			Expect(h.wait(d.ID).Status).To(Equal(model.StatusFailed))

			result, err := h.engine.Rollback(context.Background(), d.ID, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Reason).To(Equal("manual rollback"))
			Expect(h.status(d.ID)()).To(Equal(model.StatusRolledBack))
		})

		It("reverts a deployment that failed while the request was in flight", func() {
			cfg := newConfig(model.StrategyCanary, "2.0.0")
			cfg.Canary = &model.CanaryParams{IncrementPercentage: 50}
			run := rollout.NewRun(&model.Deployment{
				ID:          "racing",
				Application: "checkout",
				Environment: "production",
				Strategy:    model.StrategyCanary,
				Status:      model.StatusInProgress,
				Version:     model.VersionInfo{Current: "1.0.0", Previous: "1.0.0", Target: "2.0.0"},
				Health:      model.HealthSnapshot{Total: 3},
				StartedAt:   time.Now(),
			}, map[string]int{traffic.Stable: 100, traffic.Canary: 0}, nil, nil)

			// The executing goroutine has already looked for a rollback
			// request; it fails on its own once the request cancels it.
			cancelled := make(chan struct{})
			x := &execution{
				run:    run,
				cfg:    &cfg,
				ctx:    context.Background(),
				cancel: func(error) { close(cancelled) },
				done:   make(chan struct{}),
			}
			h.engine.mu.Lock()
			h.engine.deployments["racing"] = x
			h.engine.order = append(h.engine.order, "racing")
			h.engine.mu.Unlock()

			go func() {
				defer GinkgoRecover()
				<-cancelled
				Expect(run.Fail(errors.New("replica 1 unhealthy"))).To(BeTrue())
				close(x.done)
			}()

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			result, err := h.engine.Rollback(ctx, "racing", "operator request")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Reason).To(Equal("operator request"))
			Expect(result.RolledBackTo).To(Equal("1.0.0"))
			Expect(h.status("racing")()).To(Equal(model.StatusRolledBack))
		})

		It("rejects successful deployments", func() {
			d := h.deploy(h.create(newConfig(model.StrategyRecreate, "2.0.0")))
			Expect(h.wait(d.ID).Status).To(Equal(model.StatusSuccessful))

			_, err := h.engine.Rollback(context.Background(), d.ID, "too late")
			Expect(errors.Is(err, model.ErrInvalidState)).To(BeTrue())
		})
	})

	Describe("UpdateTrafficSplit", func() {
		It("is rejected while executing", func() {
			cfg := newConfig(model.StrategyCanary, "2.0.0")
			cfg.Canary = &model.CanaryParams{IncrementPercentage: 50, IncrementDuration: metav1.Duration{Duration: time.Hour}}
			d := h.deploy(h.create(cfg))

			_, err := h.engine.UpdateTrafficSplit(d.ID, traffic.TwoWay(traffic.Stable, traffic.Canary, 10))
			Expect(errors.Is(err, model.ErrInvalidState)).To(BeTrue())

			_, _ = h.engine.Cancel(d.ID)
			h.wait(d.ID)
		})

		It("adjusts a finished deployment when the split sums to 100", func() {
			d := h.deploy(h.create(newConfig(model.StrategyBlueGreen, "2.0.0")))
			Expect(h.wait(d.ID).Status).To(Equal(model.StatusSuccessful))

			split, err := h.engine.UpdateTrafficSplit(d.ID, traffic.TwoWay(traffic.Blue, traffic.Green, 90))
			Expect(err).NotTo(HaveOccurred())
			Expect(split).To(Equal(map[string]int{traffic.Blue: 10, traffic.Green: 90}))

			_, err = h.engine.UpdateTrafficSplit(d.ID, []traffic.Target{{Version: traffic.Blue, Percentage: 50}})
			Expect(errors.Is(err, model.ErrInvalidStrategyParameters)).To(BeTrue())

			current, _ := h.engine.Get(d.ID)
			Expect(current.TrafficSplit).To(Equal(map[string]int{traffic.Blue: 10, traffic.Green: 90}))
		})
	})

	Describe("queries", func() {
		It("lists in creation order and tracks the baseline version", func() {
			first := h.deploy(h.create(newConfig(model.StrategyRecreate, "1.0.0")))
			Expect(h.wait(first.ID).Status).To(Equal(model.StatusSuccessful))

			cfg := newConfig(model.StrategyCanary, "2.0.0")
			cfg.Canary = &model.CanaryParams{IncrementPercentage: 50, IncrementDuration: metav1.Duration{Duration: time.Hour}}
			second := h.deploy(h.create(cfg))
			Expect(second.Version.Previous).To(Equal("1.0.0"))
			Expect(second.Version.Current).To(Equal("1.0.0"))
			Expect(second.Version.Target).To(Equal("2.0.0"))

			all := h.engine.List()
			Expect(all).To(HaveLen(2))
			Expect(all[0].ID).To(Equal(first.ID))
			Expect(all[1].ID).To(Equal(second.ID))

			active := h.engine.Active()
			Expect(active).To(HaveLen(1))
			Expect(active[0].ID).To(Equal(second.ID))

			_, _ = h.engine.Cancel(second.ID)
			final := h.wait(second.ID)
			Expect(final.Version.Current).To(Equal("1.0.0"))
			Expect(h.engine.Active()).To(BeEmpty())

			_, err := h.engine.Get("missing")
			Expect(errors.Is(err, model.ErrDeploymentNotFound)).To(BeTrue())
		})

		It("restores persisted deployments", func() {
			started := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
			cfg := newConfig(model.StrategyCanary, "3.0.0")
			cfg.Canary = &model.CanaryParams{IncrementPercentage: 50}
			cfg.Rollback.AutoRollback = true
			configID := h.create(cfg)

			restored := h.engine.Restore(context.Background(), []model.Deployment{
				{
					ID:           "interrupted",
					ConfigID:     configID,
					Application:  "checkout",
					Environment:  "production",
					Strategy:     model.StrategyCanary,
					Status:       model.StatusInProgress,
					Version:      model.VersionInfo{Current: "2.0.0", Previous: "2.0.0", Target: "3.0.0"},
					TrafficSplit: map[string]int{traffic.Stable: 50, traffic.Canary: 50},
					StartedAt:    started.Add(time.Hour),
				},
				{
					ID:          "reverted",
					ConfigID:    configID,
					Application: "checkout",
					Environment: "production",
					Strategy:    model.StrategyCanary,
					Status:      model.StatusRolledBack,
					Version:     model.VersionInfo{Current: "2.0.0", Previous: "2.0.0", Target: "3.0.0"},
					Health:      model.HealthSnapshot{Total: 3},
					Rollback:    model.RollbackInfo{Reason: "error rate too high", RolledBackTo: "2.0.0"},
					Events: []model.DeploymentEvent{
						{Phase: phaseRollback, Severity: model.SeverityWarning, Message: "Rollback initiated", Timestamp: started.Add(-time.Hour)},
						{Phase: phaseRollback, Severity: model.SeverityWarning, Message: "Rolled back to 2.0.0", Timestamp: started.Add(-time.Hour)},
					},
					StartedAt: started.Add(-2 * time.Hour),
				},
				{
					ID:           "finished",
					ConfigID:     "gone",
					Application:  "checkout",
					Environment:  "production",
					Strategy:     model.StrategyBlueGreen,
					Status:       model.StatusSuccessful,
					Version:      model.VersionInfo{Current: "2.0.0", Previous: "1.0.0", Target: "2.0.0"},
					TrafficSplit: map[string]int{traffic.Blue: 0, traffic.Green: 100},
					StartedAt:    started,
				},
			})
			Expect(restored).To(Equal(3))

			all := h.engine.List()
			Expect(all).To(HaveLen(3))
			Expect(all[0].ID).To(Equal("reverted"))
			Expect(all[1].ID).To(Equal("finished"))
			Expect(all[1].TrafficSplit).To(Equal(map[string]int{traffic.Blue: 0, traffic.Green: 100}))

			prior, err := h.engine.Rollback(context.Background(), "reverted", "again")
			Expect(err).NotTo(HaveOccurred())
			Expect(prior.Success).To(BeTrue())
			Expect(prior.Reason).To(Equal("error rate too high"))
			Expect(prior.RolledBackTo).To(Equal("2.0.0"))
			Expect(prior.AffectedInstances).To(Equal(3))
			Expect(prior.Events).To(HaveLen(2))
			Expect(h.status("reverted")()).To(Equal(model.StatusRolledBack))

			interrupted, err := h.engine.Get("interrupted")
			Expect(err).NotTo(HaveOccurred())
			Expect(interrupted.Status).To(Equal(model.StatusRolledBack))
			Expect(interrupted.TrafficSplit).To(Equal(map[string]int{traffic.Stable: 100, traffic.Canary: 0}))
			Expect(interrupted.FailureReason).To(ContainSubstring("restarted"))

			next := h.deploy(configID)
			Expect(next.Version.Previous).To(Equal("2.0.0"))
			_, _ = h.engine.Cancel(next.ID)
			h.wait(next.ID)

			Expect(h.engine.Restore(context.Background(), []model.Deployment{{ID: "finished"}})).To(Equal(0))
		})

		It("drains running deployments on shutdown", func() {
			cfg := newConfig(model.StrategyBlueGreen, "2.0.0")
			cfg.BlueGreen = &model.BlueGreenParams{MonitorDuration: metav1.Duration{Duration: ms(50)}}
			d := h.deploy(h.create(cfg))

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			Expect(h.engine.Shutdown(ctx)).To(Succeed())
			Expect(h.status(d.ID)()).To(Equal(model.StatusSuccessful))
		})
	})
})
