package challenge

import (
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SelfCheck polls every URL from the public side until it responds at
// least once or duration elapses, then returns. It verifies our own
// publication before the CA is asked to; failures are logged but never
// abort the cycle, so the caller proceeds either way.
func SelfCheck(urls []string, duration, interval time.Duration) {
	if len(urls) == 0 {
		return
	}

	client := &http.Client{Timeout: interval}
	var wg sync.WaitGroup
	for _, url := range urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			pollURL(client, url, duration, interval)
		}(url)
	}
	wg.Wait()
}

// pollURL issues GETs at interval until one succeeds or the deadline
// passes. Any response counts; the CA performs the real validation.
func pollURL(client *http.Client, url string, duration, interval time.Duration) {
	deadline := time.Now().Add(duration)
	var lastErr error
	for {
		res, err := client.Get(url)
		if err == nil {
			res.Body.Close()
			return
		}
		lastErr = err

		if time.Now().Add(interval).After(deadline) {
			break
		}
		time.Sleep(interval)
	}
	logger.Warn("challenge self-check failed", zap.String("url", url), zap.Error(lastErr))
}
