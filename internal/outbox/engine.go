// Package outbox drains the durable queue of outbound tasks and fans each one
// out to its recipients. Delivery progress lives only in the TaskStore, so a
// drain can be abandoned at any point and resumed by the next one.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"courier/internal/domain"
	"courier/internal/observability"
	"courier/internal/util"
)

type TaskStore interface {
	InsertTask(ctx context.Context, t domain.OutboundTask) error
	GetTask(ctx context.Context, id string) (domain.OutboundTask, error)
	// ListDrainableTasks returns queued and failed tasks plus processing tasks
	// not touched since staleBefore, oldest first.
	ListDrainableTasks(ctx context.Context, staleBefore time.Time) ([]domain.OutboundTask, error)
	ListTasksByStatus(ctx context.Context, status domain.TaskStatus) ([]domain.OutboundTask, error)
	SetTaskStatus(ctx context.Context, id string, status domain.TaskStatus, now time.Time) error
	// SaveProgress writes the recipient list and the task status as one record.
	SaveProgress(ctx context.Context, id string, recipients []domain.RecipientProgress, status domain.TaskStatus, now time.Time) error
	PurgeTasks(ctx context.Context, status domain.TaskStatus, before time.Time) (int, error)
	// MarkExhausted keeps a failed task out of ListDrainableTasks.
	MarkExhausted(ctx context.Context, id string) error
}

type KeyDirectory interface {
	GetPublicKey(ctx context.Context, identity string) (domain.PublicKeys, error)
}

type CryptoEngine interface {
	EncryptAndSign(msg domain.TransportMessage, recipientID string, sender domain.KeyPair, recipient domain.PublicKeys) (domain.SecureEnvelope, error)
}

type Transport interface {
	Send(ctx context.Context, env domain.SecureEnvelope) error
}

const defaultStaleAfter = 5 * time.Minute

type Engine struct {
	Store     TaskStore
	Keys      KeyDirectory
	Crypto    CryptoEngine
	Transport Transport
	Retry     RetryPolicy
	Logger    *slog.Logger

	// StaleAfter is how long a task may sit in processing before another
	// drain reclaims it.
	StaleAfter time.Duration
	Now        func() time.Time

	running atomic.Bool
}

// Enqueue stores a new queued task with one pending row per distinct recipient.
func (e *Engine) Enqueue(ctx context.Context, in domain.NewTask) (domain.OutboundTask, error) {
	if err := in.Validate(); err != nil {
		return domain.OutboundTask{}, err
	}
	now := e.now()
	msgID := in.MessageID
	if msgID == "" {
		msgID = util.NewMessageID()
	}

	task := domain.OutboundTask{
		ID:             util.NewTaskID(),
		MessageID:      msgID,
		ConversationID: in.ConversationID,
		ContentType:    in.ContentType,
		Payload:        in.Payload,
		Tags:           in.Tags,
		Status:         domain.TaskQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	seen := make(map[string]bool, len(in.Recipients))
	for _, r := range in.Recipients {
		if seen[r] {
			continue
		}
		seen[r] = true
		task.Recipients = append(task.Recipients, domain.RecipientProgress{
			RecipientID: r,
			Status:      domain.RecipientPending,
		})
	}

	if err := e.Store.InsertTask(ctx, task); err != nil {
		return domain.OutboundTask{}, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

// ProcessQueue drains every drainable task once. A call made while another
// drain is in flight returns nil without doing anything.
func (e *Engine) ProcessQueue(ctx context.Context, senderID string, senderKeys domain.KeyPair) error {
	if !e.running.CompareAndSwap(false, true) {
		observability.DrainsSkipped.Inc()
		e.logger().Debug("outbox drain already running, skipping")
		return nil
	}
	defer e.running.Store(false)

	staleAfter := e.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	tasks, err := e.Store.ListDrainableTasks(ctx, e.now().Add(-staleAfter))
	if err != nil {
		return fmt.Errorf("list drainable tasks: %w", err)
	}

	for _, task := range tasks {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := e.processTask(ctx, task, senderID, senderKeys); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) processTask(ctx context.Context, task domain.OutboundTask, senderID string, senderKeys domain.KeyPair) error {
	now := e.now()
	due := 0
	for _, r := range task.Recipients {
		if r.Status != domain.RecipientSent && e.retry().ShouldAttempt(r, now) {
			due++
		}
	}
	if due == 0 && task.Status != domain.TaskProcessing {
		if task.Status == domain.TaskFailed && e.exhausted(task) {
			return e.markExhausted(ctx, task)
		}
		return nil
	}

	log := e.logger().With("task_id", task.ID, "message_id", task.MessageID)
	if err := e.Store.SetTaskStatus(ctx, task.ID, domain.TaskProcessing, now); err != nil {
		return fmt.Errorf("mark task %s processing: %w", task.ID, err)
	}

	for i := range task.Recipients {
		r := &task.Recipients[i]
		if r.Status == domain.RecipientSent || !e.retry().ShouldAttempt(*r, now) {
			continue
		}
		if ctx.Err() != nil {
			break
		}

		err := e.deliver(ctx, task, r.RecipientID, senderID, senderKeys)
		at := e.now()
		r.Attempts++
		r.LastAttemptAt = &at
		if err != nil {
			r.Status = domain.RecipientFailed
			r.LastError = err.Error()
			observability.RecipientSends.WithLabelValues(failureLabel(err)).Inc()
			log.Warn("outbox recipient delivery failed", "recipient_id", r.RecipientID, "attempts", r.Attempts, "err", err)
			continue
		}
		r.Status = domain.RecipientSent
		r.LastError = ""
		observability.RecipientSends.WithLabelValues("sent").Inc()
	}

	status := task.TerminalStatus()
	// progress already made is recorded even if the caller gave up
	if err := e.Store.SaveProgress(context.WithoutCancel(ctx), task.ID, task.Recipients, status, e.now()); err != nil {
		return fmt.Errorf("save task %s progress: %w", task.ID, err)
	}
	observability.TaskOutcomes.WithLabelValues(string(status)).Inc()
	log.Info("outbox task processed", "status", status, "recipients", len(task.Recipients))
	if status == domain.TaskFailed && e.exhausted(task) {
		return e.markExhausted(ctx, task)
	}
	return nil
}

// exhausted reports whether the retry policy has given up on every unsent
// recipient of the task.
func (e *Engine) exhausted(task domain.OutboundTask) bool {
	ex, ok := e.retry().(Exhauster)
	if !ok {
		return false
	}
	for _, r := range task.Recipients {
		if r.Status != domain.RecipientSent && !ex.Exhausted(r) {
			return false
		}
	}
	return true
}

func (e *Engine) markExhausted(ctx context.Context, task domain.OutboundTask) error {
	if err := e.Store.MarkExhausted(context.WithoutCancel(ctx), task.ID); err != nil {
		return fmt.Errorf("mark task %s exhausted: %w", task.ID, err)
	}
	e.logger().Warn("outbox task retries exhausted", "task_id", task.ID, "message_id", task.MessageID)
	return nil
}

func (e *Engine) deliver(ctx context.Context, task domain.OutboundTask, recipientID, senderID string, senderKeys domain.KeyPair) error {
	recipientKeys, err := e.Keys.GetPublicKey(ctx, recipientID)
	if err != nil {
		return fmt.Errorf("key lookup: %w", err)
	}

	msg := domain.TransportMessage{
		SenderID:       senderID,
		SentAt:         task.CreatedAt,
		ContentType:    task.ContentType,
		Payload:        task.Payload,
		RecordID:       task.MessageID,
		ConversationID: task.ConversationID,
		Tags:           task.Tags,
	}
	env, err := e.Crypto.EncryptAndSign(msg, recipientID, senderKeys, recipientKeys)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	if err := e.Transport.Send(ctx, env); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Task returns one task including per-recipient errors.
func (e *Engine) Task(ctx context.Context, id string) (domain.OutboundTask, error) {
	return e.Store.GetTask(ctx, id)
}

func (e *Engine) FailedTasks(ctx context.Context) ([]domain.OutboundTask, error) {
	return e.Store.ListTasksByStatus(ctx, domain.TaskFailed)
}

// Purge deletes completed tasks last updated before the cutoff.
func (e *Engine) Purge(ctx context.Context, before time.Time) (int, error) {
	n, err := e.Store.PurgeTasks(ctx, domain.TaskCompleted, before)
	if err != nil {
		return 0, fmt.Errorf("purge tasks: %w", err)
	}
	return n, nil
}

func failureLabel(err error) string {
	switch {
	case errors.Is(err, domain.ErrKeyNotFound):
		return "key_not_found"
	case errors.Is(err, domain.ErrCrypto):
		return "crypto_error"
	case errors.Is(err, domain.ErrTransport):
		return "transport_error"
	default:
		return "error"
	}
}

func (e *Engine) retry() RetryPolicy {
	if e.Retry == nil {
		return Unlimited{}
	}
	return e.Retry
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return util.NowUTC()
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}
