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

func (s *BreakerSuite) newBreaker(opts ...Option) *Breaker {
	opts = append([]Option{WithClock(func() time.Time { return s.now })}, opts...)
	return New("run-events", opts...)
}

func (s *BreakerSuite) TestStartsClosed() {
	b := s.newBreaker()
	s.Equal("run-events", b.Name())
	s.Equal(StateClosed, b.State())
	s.Equal("closed", b.State().String())
	s.True(b.Allow())
}

func (s *BreakerSuite) TestOpensOnConsecutiveFailures() {
	b := s.newBreaker(WithFailureThreshold(3))

	for i := 0; i < 2; i++ {
		fallback, change := b.RecordFailure()
		s.False(fallback)
		s.False(change.Opened)
	}
	fallback, change := b.RecordFailure()
	s.True(fallback)
	s.True(change.Opened)
	s.Equal("open", b.State().String())

	_, change = b.RecordFailure()
	s.False(change.Opened, "already open reports no transition")
}

func (s *BreakerSuite) TestSuccessClearsFailureStreak() {
	b := s.newBreaker(WithFailureThreshold(2))

	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	s.False(b.IsOpen(), "failures must be consecutive")

	b.RecordFailure()
	s.True(b.IsOpen())
}

func (s *BreakerSuite) TestProbeCadenceWhileOpen() {
	b := s.newBreaker(WithFailureThreshold(1), WithCooldown(time.Minute))
	b.RecordFailure()

	s.False(b.Allow(), "rejects until cooldown elapses")
	s.now = s.now.Add(59 * time.Second)
	s.False(b.Allow())

	s.now = s.now.Add(time.Second)
	s.True(b.Allow(), "one probe after cooldown")
	s.False(b.Allow(), "next probe waits another cooldown")

	b.RecordFailure()
	s.now = s.now.Add(time.Minute)
	s.True(b.Allow())
}

func (s *BreakerSuite) TestClosesAfterSuccessThreshold() {
	b := s.newBreaker(WithFailureThreshold(1), WithSuccessThreshold(2))
	b.RecordFailure()

	primary, change := b.RecordSuccess()
	s.False(primary)
	s.False(change.Closed)

	b.RecordFailure()
	primary, _ = b.RecordSuccess()
	s.False(primary, "a failure restarts the success count")

	primary, change = b.RecordSuccess()
	s.True(primary)
	s.True(change.Closed)
	s.True(b.Allow())
}

func (s *BreakerSuite) TestIgnoresNonPositiveOptions() {
	b := s.newBreaker(WithFailureThreshold(0), WithSuccessThreshold(-1))
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	s.False(b.IsOpen(), "default threshold of five applies")
	b.RecordFailure()
	s.True(b.IsOpen())
}
