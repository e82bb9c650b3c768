// Package service hosts the grading consumer, the interactive run
// flow, and the worker pool that bounds concurrent sandbox sessions.
package service

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"codelab/internal/common/mq"
	"codelab/pkg/errors"
	"codelab/pkg/utils/logger"
)

// headerPoolRetry counts how many times a task bounced off a full
// worker pool. It is separate from the queue-level retry counter so a
// busy grader does not eat the failure retry budget.
const headerPoolRetry = "x-pool-retry"

const (
	poolRetryBaseDelay = 2 * time.Second
	poolRetryMaxDelay  = 2 * time.Minute
)

// poolRetryCount parses the pool retry header, zero when absent.
func poolRetryCount(msg *mq.Message) int {
	raw, ok := msg.GetHeader(headerPoolRetry)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// poolBackoff doubles per bounce, capped.
func poolBackoff(retry int) time.Duration {
	d := poolRetryBaseDelay
	for i := 0; i < retry; i++ {
		d *= 2
		if d >= poolRetryMaxDelay {
			return poolRetryMaxDelay
		}
	}
	return d
}

// cloneForPoolRetry copies a message with the bounce counter bumped.
// The queue-level retry counter is preserved untouched.
func cloneForPoolRetry(msg *mq.Message) *mq.Message {
	clone := &mq.Message{
		ID:         msg.ID,
		Body:       msg.Body,
		Headers:    make(map[string]string, len(msg.Headers)+1),
		Timestamp:  msg.Timestamp,
		RetryCount: msg.RetryCount,
		MaxRetries: msg.MaxRetries,
		Expiration: msg.Expiration,
	}
	for k, v := range msg.Headers {
		clone.Headers[k] = v
	}
	clone.SetHeader(headerPoolRetry, strconv.Itoa(poolRetryCount(msg)+1))
	return clone
}

// requeueForPoolFull republishes a task the pool could not admit,
// after a backoff proportional to how often it has bounced. Past the
// bounce budget the task goes to the dead letter topic instead.
func requeueForPoolFull(ctx context.Context, producer mq.Producer, topic, deadLetterTopic string, msg *mq.Message, maxBounces int) error {
	retry := poolRetryCount(msg)
	if maxBounces > 0 && retry >= maxBounces {
		logger.Error(ctx, "task exceeded pool retry budget",
			zap.String("message_id", msg.ID),
			zap.Int("bounces", retry))
		if deadLetterTopic == "" {
			return errors.Newf(errors.GradeQueueFull,
				"task %s exceeded pool retry budget and no dead letter topic is configured", msg.ID)
		}
		return producer.Publish(ctx, deadLetterTopic, msg)
	}

	backoff := poolBackoff(retry)
	logger.Warn(ctx, "worker pool full, requeueing task",
		zap.String("message_id", msg.ID),
		zap.Int("bounce", retry+1),
		zap.Duration("backoff", backoff))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(backoff):
	}
	return producer.Publish(ctx, topic, cloneForPoolRetry(msg))
}
