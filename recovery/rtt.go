package recovery

import "time"

const (
	defaultRTT    = 100 * time.Millisecond
	defaultRTTVar = 50 * time.Millisecond

	// timerGranularity は、タイマーの粒度です。
	timerGranularity = time.Millisecond
)

// RTTProvider は、PTO計算に必要なRTT情報を提供するインターフェースです。
//
// 輻輳制御の実装が提供します。
type RTTProvider interface {
	// RTT は、平滑化RTT (Smoothed RTT) を返します。
	RTT() time.Duration
	// RTTVar は、RTT変動 (RTTVAR) を返します。
	RTTVar() time.Duration
}

type nopRTTProvider struct{}

// NewNopRTTProvider は、常にデフォルト値を返す RTTProvider を返します。
func NewNopRTTProvider() RTTProvider {
	return nopRTTProvider{}
}

func (nopRTTProvider) RTT() time.Duration {
	return defaultRTT
}

func (nopRTTProvider) RTTVar() time.Duration {
	return defaultRTTVar
}

// PTO は、RTTからPTO期間を計算します。
//
//	PTO = smoothed_rtt + max(4*rttvar, granularity) + max_ack_delay
func PTO(rtt RTTProvider, maxAckDelay time.Duration) time.Duration {
	return rtt.RTT() + max(4*rtt.RTTVar(), timerGranularity) + maxAckDelay
}

var _ RTTProvider = (*RTTStats)(nil)

// RTTStats は、ACKから得たRTTサンプルを平滑化する RTTProvider です。
type RTTStats struct {
	minRTT      time.Duration
	latestRTT   time.Duration
	smoothedRTT time.Duration
	rttVar      time.Duration
	hasSample   bool

	initial RTTProvider
}

// NewRTTStats は、サンプルが得られるまで initial の値を返す RTTStats を返します。
func NewRTTStats(initial RTTProvider) *RTTStats {
	if initial == nil {
		initial = NewNopRTTProvider()
	}
	return &RTTStats{initial: initial}
}

// Update は、RTTサンプルを反映します。
func (s *RTTStats) Update(sample, ackDelay time.Duration) {
	if sample <= 0 {
		return
	}
	s.latestRTT = sample
	if !s.hasSample {
		s.hasSample = true
		s.minRTT = sample
		s.smoothedRTT = sample
		s.rttVar = sample / 2
		return
	}
	s.minRTT = min(s.minRTT, sample)
	adjusted := sample
	if sample >= s.minRTT+ackDelay {
		adjusted = sample - ackDelay
	}
	diff := s.smoothedRTT - adjusted
	if diff < 0 {
		diff = -diff
	}
	s.rttVar = (3*s.rttVar + diff) / 4
	s.smoothedRTT = (7*s.smoothedRTT + adjusted) / 8
}

func (s *RTTStats) RTT() time.Duration {
	if !s.hasSample {
		return s.initial.RTT()
	}
	return s.smoothedRTT
}

func (s *RTTStats) RTTVar() time.Duration {
	if !s.hasSample {
		return s.initial.RTTVar()
	}
	return s.rttVar
}

// MinRTT は、観測された最小RTTを返します。サンプルがない場合は0です。
func (s *RTTStats) MinRTT() time.Duration {
	return s.minRTT
}

// LatestRTT は、最新のRTTサンプルを返します。
func (s *RTTStats) LatestRTT() time.Duration {
	return s.latestRTT
}
