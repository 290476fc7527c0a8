package icmp6

import (
	"github.com/hostinger/ndsnoop/internal/logger"
	"github.com/hostinger/ndsnoop/internal/metrics"
	"github.com/pkg/errors"
)

const sendAttempts = 3

var errNothingSent = errors.New("sendto wrote 0 bytes")

// SendResult reports how an outbound message fared.
type SendResult struct {
	Attempts int
	Bytes    int
	Err      error
}

func (r SendResult) OK() bool {
	return r.Err == nil
}

// sendWithRetry calls send until it writes something or attempts run out.
// Retries follow immediately.
func sendWithRetry(kind, dst string, attempts int, send func() (int, error)) SendResult {
	if attempts < 1 {
		attempts = 1
	}

	var res SendResult
	for res.Attempts < attempts {
		res.Attempts++
		n, err := send()
		if err == nil && n > 0 {
			res.Bytes = n
			res.Err = nil
			logger.Debug("[ND-Send] Sent %d bytes %s to %s", n, kind, dst)
			metrics.Sent.WithLabelValues(kind, "ok").Inc()
			return res
		}
		if err == nil {
			err = errNothingSent
		}
		res.Err = err
		logger.Warn("[ND-Send] Error while sending %s to %s (attempt %d/%d): %v", kind, dst, res.Attempts, attempts, err)
	}

	res.Err = errors.Wrapf(res.Err, "%s to %s abandoned after %d attempts", kind, dst, res.Attempts)
	logger.Error("[ND-Send] %v", res.Err)
	metrics.Sent.WithLabelValues(kind, "failed").Inc()
	return res
}
