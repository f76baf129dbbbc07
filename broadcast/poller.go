// Package broadcast pushes sent in-app notifications to connected clients and runs the periodic
// maintenance sweeps.
package broadcast

import (
	"context"
	"time"

	"github.com/actuallyroy/audit-notifier/common"
	"github.com/actuallyroy/audit-notifier/db"
	"github.com/actuallyroy/audit-notifier/hub"
	"github.com/actuallyroy/audit-notifier/metrics"
	"github.com/actuallyroy/audit-notifier/model"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var log = common.Log.WithFields(logrus.Fields{"package": "broadcast"})

// Poller periodically broadcasts in-app notifications that are ready to be pushed.
type Poller struct {
	store       db.Store
	broadcaster hub.Broadcaster
	settings    common.PollerSettings
	tracer      trace.Tracer
	now         func() time.Time
}

// NewPoller returns a Poller that reads from store and pushes through broadcaster.
func NewPoller(store db.Store, broadcaster hub.Broadcaster, settings common.PollerSettings) *Poller {
	return &Poller{
		store:       store,
		broadcaster: broadcaster,
		settings:    settings,
		tracer:      otel.Tracer("github.com/actuallyroy/audit-notifier/broadcast"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run calls Tick on every interval until the context is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.settings.Interval)
	defer ticker.Stop()

	log.WithField("interval", p.settings.Interval.String()).Info("broadcast poller started")
	for {
		select {
		case <-ctx.Done():
			log.Info("broadcast poller stopped")
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick broadcasts one batch of sent in-app notifications and returns the number that were
// broadcast. Each notification is claimed first so that concurrent pollers never push the same
// notification at the same time.
func (p *Poller) Tick(ctx context.Context) int {
	ctx, span := p.tracer.Start(ctx, "broadcast.tick")
	defer span.End()

	candidates, err := p.store.ListByStatus(ctx, model.ChannelInApp, model.StatusSent, p.settings.BatchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "unable to list candidates")
		log.WithError(err).Error("unable to list notifications awaiting broadcast")
		return 0
	}
	span.SetAttributes(attribute.Int("notifier.candidates", len(candidates)))

	token := uuid.NewString()
	broadcasted := 0
	for _, n := range candidates {
		// Stop between notifications, never in the middle of one.
		if ctx.Err() != nil {
			break
		}
		if p.process(ctx, token, n) {
			broadcasted++
		}
	}

	span.SetAttributes(attribute.Int("notifier.broadcasted", broadcasted))
	return broadcasted
}

func (p *Poller) process(ctx context.Context, token string, n *model.Notification) bool {
	logger := log.WithFields(logrus.Fields{
		"notification_id": n.ID,
		"user_id":         n.UserID,
		"organisation_id": n.OrganisationID,
	})

	claimed, err := p.store.ClaimForBroadcast(ctx, n.ID, token, p.now(), p.settings.ClaimLease)
	if err != nil {
		logger.WithError(err).Error("unable to claim notification for broadcast")
		return false
	}
	if !claimed {
		metrics.BroadcastOutcomes.WithLabelValues(metrics.OutcomeSkipped).Inc()
		return false
	}

	if err = p.push(ctx, n); err != nil {
		logger.WithError(err).Error("unable to broadcast notification")
		metrics.BroadcastOutcomes.WithLabelValues(metrics.OutcomeFailed).Inc()
		if _, terr := p.store.Transition(ctx, n.ID, model.StatusFailed, err.Error()); terr != nil {
			logger.WithError(terr).Error("unable to mark notification as failed")
		}
		return false
	}

	changed, err := p.store.Transition(ctx, n.ID, model.StatusBroadcasted, "")
	if err != nil {
		// The claim expires and a later tick broadcasts the notification again.
		logger.WithError(err).Error("unable to mark notification as broadcasted")
		return false
	}
	if !changed {
		metrics.BroadcastOutcomes.WithLabelValues(metrics.OutcomeSkipped).Inc()
		return false
	}
	metrics.BroadcastOutcomes.WithLabelValues(metrics.OutcomeBroadcasted).Inc()
	logger.Debug("notification broadcasted")

	if n.UserID != "" {
		p.pushUnreadCount(ctx, n.UserID, logger)
	}
	return true
}

func (p *Poller) push(ctx context.Context, n *model.Notification) error {
	event := hub.NewNotificationEvent(n)
	if n.UserID != "" {
		return p.broadcaster.SendToUser(ctx, n.UserID, hub.EventReceiveNotification, event)
	}
	return p.broadcaster.SendToOrganisation(ctx, n.OrganisationID, hub.EventReceiveNotification, event)
}

func (p *Poller) pushUnreadCount(ctx context.Context, userID string, logger *logrus.Entry) {
	count, err := p.store.CountUnread(ctx, userID)
	if err != nil {
		logger.WithError(err).Warn("unable to count unread notifications")
		return
	}
	if err = p.broadcaster.UpdateUnreadCount(ctx, userID, count); err != nil {
		logger.WithError(err).Warn("unable to push the unread count")
	}
}
