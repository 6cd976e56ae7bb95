package usecase

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	alertdomain "harvest-backend/internal/alert/domain"
	cadencedomain "harvest-backend/internal/cadence/domain"
	"harvest-backend/internal/ingest/domain"
	ingestdto "harvest-backend/internal/ingest/dto"
	"harvest-backend/pkg/keylock"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// CadenceGate is the part of the cadence registry the gateway consults
type CadenceGate interface {
	IsDue(ctx context.Context, deviceID, channel string) (bool, error)
	NextDueAt(ctx context.Context, deviceID, channel string) (time.Time, bool, error)
	MarkHarvested(ctx context.Context, deviceID, channel string, at time.Time) error
}

// deviceChannels are the channels a device may push; mailbox is harvested server-side
var deviceChannels = map[string]bool{
	cadencedomain.ChannelNotifications: true,
	cadencedomain.ChannelSMS:           true,
	cadencedomain.ChannelCallLog:       true,
	cadencedomain.ChannelContacts:      true,
	cadencedomain.ChannelChat:          true,
}

// Gateway admits device batches: validation, cadence, dedup, then the dual-store writer
type Gateway struct {
	cadence  CadenceGate
	writer   *Writer
	alerts   AlertRaiser
	slots    *semaphore.Weighted
	harvests *keylock.Locker
	now      func() time.Time
}

// NewGateway builds a gateway that processes at most workers batches at once
func NewGateway(cadence CadenceGate, writer *Writer, alerts AlertRaiser, workers int) *Gateway {
	if workers <= 0 {
		workers = 16
	}
	return &Gateway{
		cadence:  cadence,
		writer:   writer,
		alerts:   alerts,
		slots:    semaphore.NewWeighted(int64(workers)),
		harvests: keylock.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source
func (g *Gateway) SetClock(now func() time.Time) {
	g.now = now
}

type channelGroup struct {
	channel string
	indexes []int
	records []*domain.IngestRecord
}

// SubmitBatch processes a device batch and returns one outcome per item, in order.
// The error is non-nil only when the batch could not be processed at all.
func (g *Gateway) SubmitBatch(ctx context.Context, deviceID string, items []ingestdto.BatchItem) (*ingestdto.BatchResponse, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("%w: device_id is required", domain.ErrInvalidRecord)
	}
	if err := g.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer g.slots.Release(1)

	receivedAt := g.now()
	resp := &ingestdto.BatchResponse{Outcomes: make([]ingestdto.ItemOutcome, len(items))}

	// decode and validate, grouping survivors by channel in order of first appearance
	var order []string
	groups := make(map[string]*channelGroup)
	for i, item := range items {
		resp.Outcomes[i].Index = i
		rec, err := g.buildRecord(deviceID, item, receivedAt)
		if err != nil {
			resp.Outcomes[i] = rejected(i, ingestdto.ReasonValidation, err.Error())
			continue
		}
		grp, ok := groups[rec.Channel]
		if !ok {
			grp = &channelGroup{channel: rec.Channel}
			groups[rec.Channel] = grp
			order = append(order, rec.Channel)
		}
		grp.indexes = append(grp.indexes, i)
		grp.records = append(grp.records, rec)
	}

	// a (device, channel) pair is held from the due check until its harvest is
	// recorded, so two concurrent batches cannot both be admitted. Keys are taken
	// in sorted order to keep batches with several channels from deadlocking.
	keys := append([]string(nil), order...)
	sort.Strings(keys)
	for _, channel := range keys {
		unlock := g.harvests.Lock(deviceID + "/" + channel)
		defer unlock()
	}

	// cadence admission: one batch is one harvest of each channel it carries
	var admitted []*channelGroup
	for _, channel := range order {
		grp := groups[channel]
		outcome, ok, err := g.admit(ctx, deviceID, channel, receivedAt)
		if err != nil {
			return nil, err
		}
		if !ok {
			for _, i := range grp.indexes {
				outcome.Index = i
				resp.Outcomes[i] = outcome
			}
			continue
		}
		admitted = append(admitted, grp)
	}

	// channels are independent keys, so their groups can be written in parallel
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(len(deviceChannels))
	for _, grp := range admitted {
		eg.Go(func() error {
			g.writeGroup(egCtx, deviceID, grp, receivedAt, resp.Outcomes)
			return nil
		})
	}
	_ = eg.Wait()

	resp.Tally()
	log.Printf("[Gateway] Batch from %s: %d accepted, %d duplicate, %d rejected",
		deviceID, resp.Accepted, resp.Duplicates, resp.Rejected)
	return resp, nil
}

func (g *Gateway) buildRecord(deviceID string, item ingestdto.BatchItem, receivedAt time.Time) (*domain.IngestRecord, error) {
	if item.DeviceID != "" && item.DeviceID != deviceID {
		return nil, fmt.Errorf("%w: device_id does not match the authenticated device", domain.ErrInvalidRecord)
	}
	if !deviceChannels[item.Channel] {
		return nil, fmt.Errorf("%w: channel %q is not accepted from devices", domain.ErrInvalidRecord, item.Channel)
	}
	body, err := domain.DecodePayload(item.Channel, item.Payload)
	if err != nil {
		return nil, err
	}
	var observedAt time.Time
	if item.ObservedAt != nil {
		observedAt = *item.ObservedAt
	}
	return domain.NewIngestRecord(deviceID, item.ExternalID, body, observedAt, receivedAt)
}

// admit consults the cadence registry. When the channel is not admitted the
// returned outcome describes the rejection.
func (g *Gateway) admit(ctx context.Context, deviceID, channel string, now time.Time) (ingestdto.ItemOutcome, bool, error) {
	due, err := g.cadence.IsDue(ctx, deviceID, channel)
	if err != nil {
		return ingestdto.ItemOutcome{}, false, fmt.Errorf("cadence check: %w", err)
	}
	if due {
		return ingestdto.ItemOutcome{}, true, nil
	}

	next, enabled, err := g.cadence.NextDueAt(ctx, deviceID, channel)
	if err != nil {
		return ingestdto.ItemOutcome{}, false, fmt.Errorf("cadence check: %w", err)
	}
	if !enabled {
		return rejected(0, ingestdto.ReasonChannelDisabled, "channel is disabled for this device"), false, nil
	}
	outcome := rejected(0, ingestdto.ReasonThrottled, "channel is not due yet")
	outcome.RetryAfterSeconds = int64(math.Ceil(next.Sub(now).Seconds()))
	if outcome.RetryAfterSeconds < 1 {
		outcome.RetryAfterSeconds = 1
	}
	return outcome, false, nil
}

func (g *Gateway) writeGroup(ctx context.Context, deviceID string, grp *channelGroup, receivedAt time.Time, outcomes []ingestdto.ItemOutcome) {
	results := g.writer.WriteAll(ctx, grp.records)

	allCommitted := true
	for n, res := range results {
		i := grp.indexes[n]
		switch {
		case res.Err != nil || !res.PrimaryOK:
			allCommitted = false
			outcomes[i] = rejected(i, ingestdto.ReasonPrimaryStore, "primary store unavailable, retry later")
			log.Printf("[Gateway] Primary write failed for %s/%s item %d: %v", deviceID, grp.channel, i, res.Err)
		case res.Duplicate:
			outcomes[i] = ingestdto.ItemOutcome{Index: i, Status: ingestdto.StatusDuplicate, Fingerprint: res.Fingerprint}
		default:
			outcomes[i] = ingestdto.ItemOutcome{
				Index:       i,
				Status:      ingestdto.StatusAccepted,
				RecordID:    res.RecordID,
				Fingerprint: res.Fingerprint,
				Mirrored:    res.MirrorOK,
			}
		}
	}

	if !allCommitted {
		if g.alerts != nil {
			g.alerts.Raise(context.WithoutCancel(ctx), alertdomain.Alert{
				Kind:     alertdomain.KindPrimaryStoreFailure,
				DeviceID: deviceID,
				Channel:  grp.channel,
				Detail:   "primary store rejected part of a device batch",
			})
		}
		return
	}

	// the device keeps its local copy until the harvest is acknowledged, so a
	// partially committed channel stays due and is re-sent
	if err := g.cadence.MarkHarvested(context.WithoutCancel(ctx), deviceID, grp.channel, receivedAt); err != nil {
		log.Printf("[Gateway] Failed to mark %s/%s harvested: %v", deviceID, grp.channel, err)
	}
}

// RecentRecords lists a device's latest stored records on one channel, newest first
func (g *Gateway) RecentRecords(ctx context.Context, deviceID, channel string, limit int) ([]*domain.IngestRecord, error) {
	if !cadencedomain.IsKnownChannel(channel) {
		return nil, fmt.Errorf("%w: unknown channel %q", domain.ErrInvalidRecord, channel)
	}
	records, err := g.writer.repo.ListRecent(ctx, deviceID, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent records: %w", err)
	}
	return records, nil
}

func rejected(index int, reason, detail string) ingestdto.ItemOutcome {
	return ingestdto.ItemOutcome{Index: index, Status: ingestdto.StatusRejected, Reason: reason, Detail: detail}
}
