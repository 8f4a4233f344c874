package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type BreakerSuite struct {
	suite.Suite
	now time.Time
}

func TestBreakerSuite(t *testing.T) {
	suite.Run(t, new(BreakerSuite))
}

func (s *BreakerSuite) SetupTest() {
	s.now = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
}

func (s *BreakerSuite) breaker(opts ...Option) *Breaker {
	opts = append(opts, WithClock(func() time.Time { return s.now }))
	return New("search", opts...)
}

// =============================================================================
// Opening
// =============================================================================

func (s *BreakerSuite) TestOpening() {
	s.Run("starts closed", func() {
		b := s.breaker()
		s.False(b.IsOpen())
		s.Equal(StateClosed, b.State())
		s.Equal("search", b.Name())
		s.True(b.Allow())
	})

	s.Run("opens on the threshold failure and reports it once", func() {
		b := s.breaker(WithFailureThreshold(3))
		for range 2 {
			fallback, change := b.RecordFailure()
			s.False(fallback)
			s.False(change.Opened)
		}
		fallback, change := b.RecordFailure()
		s.True(fallback)
		s.True(change.Opened)

		fallback, change = b.RecordFailure()
		s.True(fallback)
		s.False(change.Opened, "already open")
	})

	s.Run("a success between failures restarts the count", func() {
		b := s.breaker(WithFailureThreshold(2))
		b.RecordFailure()
		b.RecordSuccess()
		b.RecordFailure()
		s.False(b.IsOpen())
		b.RecordFailure()
		s.True(b.IsOpen())
	})

	s.Run("non-positive thresholds keep defaults", func() {
		b := s.breaker(WithFailureThreshold(0), WithSuccessThreshold(-1), WithCooldown(0))
		for range 4 {
			b.RecordFailure()
		}
		s.False(b.IsOpen())
		b.RecordFailure()
		s.True(b.IsOpen())
	})
}

// =============================================================================
// Recovery
// =============================================================================

func (s *BreakerSuite) TestRecovery() {
	s.Run("rejects during cooldown then admits a single probe", func() {
		b := s.breaker(WithFailureThreshold(1), WithSuccessThreshold(1), WithCooldown(time.Minute))
		b.RecordFailure()
		s.False(b.Allow())

		s.now = s.now.Add(time.Minute)
		s.True(b.Allow())
		s.Equal(StateHalfOpen, b.State())
		s.False(b.Allow(), "probe in flight")

		primary, change := b.RecordSuccess()
		s.True(primary)
		s.True(change.Closed)
		s.True(b.Allow())
	})

	s.Run("a failed probe restarts the cooldown", func() {
		b := s.breaker(WithFailureThreshold(1), WithCooldown(time.Minute))
		b.RecordFailure()
		s.now = s.now.Add(time.Minute)
		s.Require().True(b.Allow())

		b.RecordFailure()
		s.Equal(StateOpen, b.State())
		s.now = s.now.Add(30 * time.Second)
		s.False(b.Allow())
	})

	s.Run("needs consecutive successes to close", func() {
		b := s.breaker(WithFailureThreshold(1), WithSuccessThreshold(2))
		b.RecordFailure()
		b.RecordSuccess()
		b.RecordFailure()
		b.RecordSuccess()
		s.True(b.IsOpen())
		b.RecordSuccess()
		s.False(b.IsOpen())
	})

	s.Run("reset closes immediately", func() {
		b := s.breaker(WithFailureThreshold(1))
		b.RecordFailure()
		b.Reset()
		s.Equal(StateClosed, b.State())
		s.True(b.Allow())
	})
}
