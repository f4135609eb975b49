//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/canopyguard/canopy/internal/domain"
	"github.com/canopyguard/canopy/internal/infra"
	"github.com/canopyguard/canopy/internal/policy"
	"github.com/canopyguard/canopy/internal/usecase"
	"github.com/canopyguard/canopy/test/fixtures"
)

const integrationDeviceID = "canopy-integration-device"

type fullBattery struct{}

func (fullBattery) Status() domain.BatteryStatus {
	return domain.BatteryStatus{Level: 100, Charging: true}
}

type lowBattery struct{}

func (lowBattery) Status() domain.BatteryStatus {
	return domain.BatteryStatus{Level: 10, Charging: false}
}

func integrationDrainPolicy() policy.DrainPolicy {
	return policy.DrainPolicy{
		BackoffInitial:        time.Millisecond,
		BackoffFactor:         2,
		BackoffCap:            time.Second,
		MaxRetries:            3,
		AttemptBudget:         100,
		AttemptWindow:         time.Minute,
		BatteryMinLevel:       20,
		BatteryQueueThreshold: 10,
		AttemptTimeout:        5 * time.Second,
	}
}

var _ = Describe("Outbox Sync", func() {
	var (
		tmpDir    string
		collector *fixtures.FakeCollector
		store     *infra.SQLCipherOutbox
		transport *infra.CollectorTransport
		tracker   *usecase.Tracker
		orch      *usecase.Orchestrator
		ctx       context.Context
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "canopy-integration-*")
		Expect(err).NotTo(HaveOccurred())

		collector = fixtures.NewFakeCollector()

		logger := zap.NewNop()
		identity := infra.NewHostIdentity(integrationDeviceID)

		keys := infra.NewFileKeyProvider(tmpDir)
		dbKey, err := infra.EnsureDBKey(keys)
		Expect(err).NotTo(HaveOccurred())

		store, err = infra.NewSQLCipherOutbox(tmpDir, dbKey, 500, infra.NewDeviceCipher(), identity, logger)
		Expect(err).NotTo(HaveOccurred())

		transport = infra.NewCollectorTransport(collector.URL(), "integration-token", 5*time.Second, identity, logger)
		tracker = usecase.NewTracker(logger)
		orch = usecase.NewOrchestrator(store, transport, tracker, fullBattery{}, integrationDrainPolicy(), logger)

		ctx = context.Background()
	})

	AfterEach(func() {
		store.Close()
		collector.Close()
		os.RemoveAll(tmpDir)
	})

	Describe("draining a populated queue", func() {
		It("delivers every item oldest first and empties the queue", func() {
			records := make([][]byte, 0, 3)
			ids := make([]string, 0, 3)
			for i := 0; i < 3; i++ {
				record := []byte(fmt.Sprintf(`{"kind":"page_visit","url":"https://example.com/page-%d"}`, i))
				id, evicted, err := store.Enqueue(ctx, record, "child-a", false)
				Expect(err).NotTo(HaveOccurred())
				Expect(evicted).To(BeZero())
				records = append(records, record)
				ids = append(ids, id)
			}

			summary, err := orch.RunSyncPass(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.Delivered).To(Equal(3))
			Expect(summary.StillQueued).To(BeZero())

			Expect(collector.ReceivedIDs()).To(Equal(ids))

			received := collector.Received()
			Expect(received[0].Body).To(Equal(records[0]))
			Expect(received[0].DeviceID).To(Equal(integrationDeviceID))
			Expect(received[0].OwnerKey).To(Equal("child-a"))

			size, err := store.Size(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(size).To(BeZero())
		})
	})

	Describe("collector failures", func() {
		Context("when every upload fails with a server error", func() {
			It("keeps the item queued and delivers once the collector recovers", func() {
				id, _, err := store.Enqueue(ctx, []byte(`{"kind":"page_visit"}`), "", false)
				Expect(err).NotTo(HaveOccurred())

				collector.SetStatus(500)
				summary, err := orch.RunSyncPass(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(summary.Delivered).To(BeZero())
				Expect(summary.StillQueued).To(Equal(1))

				items, err := store.List(ctx, 0)
				Expect(err).NotTo(HaveOccurred())
				Expect(items).To(HaveLen(1))
				Expect(items[0].RetryCount).To(Equal(1))

				collector.SetStatus(0)
				time.Sleep(10 * time.Millisecond)

				summary, err = orch.RunSyncPass(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(summary.Delivered).To(Equal(1))

				received := collector.Received()
				Expect(received).To(HaveLen(1))
				Expect(received[0].ItemID).To(Equal(id))
				Expect(received[0].RetryCount).To(Equal(1))
			})
		})

		Context("when the collector permanently rejects an item", func() {
			It("drops the item without retrying", func() {
				id, _, err := store.Enqueue(ctx, []byte(`{"kind":"page_visit"}`), "", false)
				Expect(err).NotTo(HaveOccurred())

				collector.SetStatusFor(id, 422)
				summary, err := orch.RunSyncPass(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(summary.NonRetryableDropped).To(Equal(1))
				Expect(summary.Delivered).To(BeZero())

				size, err := store.Size(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(size).To(BeZero())
				Expect(collector.Received()).To(BeEmpty())
			})
		})

		Context("when failures persist across passes", func() {
			It("drops the item after its retry budget is spent", func() {
				_, _, err := store.Enqueue(ctx, []byte(`{"kind":"page_visit"}`), "", false)
				Expect(err).NotTo(HaveOccurred())

				collector.SetStatus(500)

				var last domain.SyncSummary
				for i := 0; i < 3; i++ {
					time.Sleep(10 * time.Millisecond)
					last, err = orch.RunSyncPass(ctx)
					Expect(err).NotTo(HaveOccurred())
				}

				Expect(last.RetryExhausted).To(Equal(1))

				size, err := store.Size(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(size).To(BeZero())
			})
		})
	})

	Describe("placeholder records", func() {
		It("never delivers padding but keeps it queued", func() {
			decoy, err := infra.NewDecoyGenerator().Record()
			Expect(err).NotTo(HaveOccurred())

			_, _, err = store.Enqueue(ctx, decoy, "", true)
			Expect(err).NotTo(HaveOccurred())

			realID, _, err := store.Enqueue(ctx, []byte(`{"kind":"page_visit"}`), "", false)
			Expect(err).NotTo(HaveOccurred())

			summary, err := orch.RunSyncPass(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.Delivered).To(Equal(1))
			Expect(summary.StillQueued).To(BeZero())

			Expect(collector.ReceivedIDs()).To(Equal([]string{realID}))

			size, err := store.Size(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(size).To(Equal(1), "padding stays queued")
		})
	})

	Describe("connectivity lifecycle", func() {
		It("queues while offline and drains after reconnecting", func() {
			var transitions []bool
			unsubscribe := tracker.Subscribe(func(online bool) {
				transitions = append(transitions, online)
			})
			defer unsubscribe()

			tracker.SetOnline(false)
			Expect(tracker.Status()).To(Equal(domain.StatusOffline))

			_, _, err := store.Enqueue(ctx, []byte(`{"kind":"page_visit"}`), "", false)
			Expect(err).NotTo(HaveOccurred())

			time.Sleep(20 * time.Millisecond)
			tracker.SetOnline(true)

			snap := tracker.Snapshot()
			Expect(snap.Online).To(BeTrue())
			Expect(snap.LastOfflineDuration).To(BeNumerically(">=", 20*time.Millisecond))
			Expect(transitions).To(Equal([]bool{false, true}))

			summary, err := orch.RunSyncPass(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.Delivered).To(Equal(1))
		})
	})

	Describe("restart durability", func() {
		It("decrypts and delivers items queued before a restart", func() {
			record := []byte(`{"kind":"app_session","app":"calculator"}`)
			id, _, err := store.Enqueue(ctx, record, "child-b", false)
			Expect(err).NotTo(HaveOccurred())

			Expect(store.Close()).To(Succeed())

			dbKey, err := infra.NewFileKeyProvider(tmpDir).GetKey()
			Expect(err).NotTo(HaveOccurred())

			identity := infra.NewHostIdentity(integrationDeviceID)
			store, err = infra.NewSQLCipherOutbox(tmpDir, dbKey, 500, infra.NewDeviceCipher(), identity, zap.NewNop())
			Expect(err).NotTo(HaveOccurred())

			items, err := store.List(ctx, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(items).To(HaveLen(1))
			Expect(items[0].ID).To(Equal(id))
			Expect(items[0].Record).To(Equal(record))

			reopened := usecase.NewOrchestrator(store, transport, tracker, fullBattery{}, integrationDrainPolicy(), zap.NewNop())
			summary, err := reopened.RunSyncPass(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.Delivered).To(Equal(1))
		})
	})

	Describe("battery gate", func() {
		It("defers a large drain on a low discharging battery", func() {
			for i := 0; i < 11; i++ {
				_, _, err := store.Enqueue(ctx, []byte(`{"kind":"page_visit"}`), "", false)
				Expect(err).NotTo(HaveOccurred())
			}

			gated := usecase.NewOrchestrator(store, transport, tracker, lowBattery{}, integrationDrainPolicy(), zap.NewNop())
			summary, err := gated.RunSyncPass(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.Deferred).To(BeTrue())
			Expect(collector.Requests()).To(BeZero())
		})
	})
})
