package exchange

import (
	"fmt"
	"time"
)

const waitTimeout = 10 * time.Second

// RateLimiter keeps separate token buckets for public and private endpoints,
// refilled once per second.
type RateLimiter struct {
	public  chan struct{}
	private chan struct{}
}

func NewRateLimiter(publicPerSecond, privatePerSecond int) *RateLimiter {
	rl := &RateLimiter{
		public:  make(chan struct{}, publicPerSecond),
		private: make(chan struct{}, privatePerSecond),
	}

	// Fill the initial buckets
	for i := 0; i < publicPerSecond; i++ {
		rl.public <- struct{}{}
	}
	for i := 0; i < privatePerSecond; i++ {
		rl.private <- struct{}{}
	}

	go rl.refill(rl.public, publicPerSecond)
	go rl.refill(rl.private, privatePerSecond)

	return rl
}

func (rl *RateLimiter) refill(bucket chan struct{}, perSecond int) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		for i := 0; i < perSecond; i++ {
			select {
			case bucket <- struct{}{}:
			default:
				// Bucket is full
			}
		}
	}
}

func (rl *RateLimiter) WaitForPublic() error {
	return wait(rl.public)
}

func (rl *RateLimiter) WaitForPrivate() error {
	return wait(rl.private)
}

func wait(bucket chan struct{}) error {
	select {
	case <-bucket:
		return nil
	case <-time.After(waitTimeout):
		return fmt.Errorf("timed out waiting for request token")
	}
}
