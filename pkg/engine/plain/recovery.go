// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package plain

import (
	"time"
)

const (
	initialRTT       = 100 * time.Millisecond
	timerGranularity = time.Millisecond
	packetThreshold  = 3

	// maxPTOBackoff caps the exponential probe timeout backoff.
	maxPTOBackoff = 10
)

// sentPacket is an outstanding packet waiting for its acknowledgement.
type sentPacket struct {
	pn           uint64
	sentAt       time.Time
	size         int
	ackEliciting bool

	// frames are the retransmittable frames of this packet.
	frames []frame
}

// recovery implements loss detection and congestion control for one
// connection, a reduced version of RFC 9002.
type recovery struct {
	congestion string
	mss        int

	// sent is ordered by ascending packet number.
	sent []*sentPacket

	largestAcked    uint64
	hasLargestAcked bool

	latestRTT time.Duration
	srtt      time.Duration
	rttvar    time.Duration
	hasRTT    bool

	ptoCount             int
	lastAckElicitingSent time.Time
	lossTime             time.Time

	bytesInFlight int
	cwnd          int
	ssthresh      int
	recoveryStart time.Time

	lost int
}

func newRecovery(congestion string, mss int) *recovery {
	return &recovery{
		congestion: congestion,
		mss:        mss,
		srtt:       initialRTT,
		rttvar:     initialRTT / 2,
		cwnd:       10 * mss,
		ssthresh:   int(^uint(0) >> 1),
	}
}

// canSend reports if the congestion window admits another packet of size.
func (r *recovery) canSend(size int) bool {
	if r.congestion == CongestionNone {
		return true
	}
	return r.bytesInFlight+size <= r.cwnd
}

func (r *recovery) onPacketSent(p *sentPacket) {
	r.sent = append(r.sent, p)
	if p.ackEliciting {
		r.bytesInFlight += p.size
		r.lastAckElicitingSent = p.sentAt
	}
}

// onAckReceived processes an ACK frame and returns the newly acknowledged
// and the lost packets.
func (r *recovery) onAckReceived(ack *ackFrame, now time.Time) (acked, lost []*sentPacket) {
	if !r.hasLargestAcked || ack.largest() > r.largestAcked {
		r.largestAcked = ack.largest()
		r.hasLargestAcked = true
	}

	remaining := r.sent[:0]
	for _, p := range r.sent {
		if ack.acks(p.pn) {
			acked = append(acked, p)
		} else {
			remaining = append(remaining, p)
		}
	}
	r.sent = remaining

	if len(acked) == 0 {
		return
	}

	largest := acked[len(acked)-1]
	if largest.pn == ack.largest() && largest.ackEliciting {
		r.updateRTT(now.Sub(largest.sentAt))
	}

	for _, p := range acked {
		r.onPacketAcked(p)
	}

	r.ptoCount = 0
	lost = r.detectLost(now)
	return
}

func (r *recovery) updateRTT(sample time.Duration) {
	if sample < 0 {
		sample = 0
	}
	r.latestRTT = sample

	if !r.hasRTT {
		r.srtt = sample
		r.rttvar = sample / 2
		r.hasRTT = true
		return
	}

	diff := r.srtt - sample
	if diff < 0 {
		diff = -diff
	}
	r.rttvar = (3*r.rttvar + diff) / 4
	r.srtt = (7*r.srtt + sample) / 8
}

func (r *recovery) inRecovery(sentAt time.Time) bool {
	return !r.recoveryStart.IsZero() && !sentAt.After(r.recoveryStart)
}

func (r *recovery) onPacketAcked(p *sentPacket) {
	if !p.ackEliciting {
		return
	}
	r.bytesInFlight -= p.size

	if r.congestion == CongestionNone || r.inRecovery(p.sentAt) {
		return
	}
	if r.cwnd < r.ssthresh {
		r.cwnd += p.size
	} else {
		r.cwnd += r.mss * p.size / r.cwnd
	}
}

func (r *recovery) onPacketsLost(lost []*sentPacket, now time.Time) {
	var newest time.Time
	for _, p := range lost {
		if p.ackEliciting {
			r.bytesInFlight -= p.size
		}
		if p.sentAt.After(newest) {
			newest = p.sentAt
		}
	}
	r.lost += len(lost)

	if len(lost) == 0 || r.congestion == CongestionNone || r.inRecovery(newest) {
		return
	}

	r.recoveryStart = now
	r.cwnd /= 2
	if floor := 2 * r.mss; r.cwnd < floor {
		r.cwnd = floor
	}
	r.ssthresh = r.cwnd
}

func (r *recovery) lossDelay() time.Duration {
	d := r.srtt
	if r.latestRTT > d {
		d = r.latestRTT
	}
	d = d * 9 / 8
	if d < timerGranularity {
		d = timerGranularity
	}
	return d
}

// detectLost declares packets lost which are older than an acknowledged
// one by either the packet or the time threshold.
func (r *recovery) detectLost(now time.Time) (lost []*sentPacket) {
	r.lossTime = time.Time{}
	if !r.hasLargestAcked {
		return
	}

	lossDelay := r.lossDelay()
	remaining := r.sent[:0]
	for _, p := range r.sent {
		if p.pn > r.largestAcked {
			remaining = append(remaining, p)
			continue
		}

		if r.largestAcked >= p.pn+packetThreshold || !p.sentAt.Add(lossDelay).After(now) {
			lost = append(lost, p)
			continue
		}

		if at := p.sentAt.Add(lossDelay); r.lossTime.IsZero() || at.Before(r.lossTime) {
			r.lossTime = at
		}
		remaining = append(remaining, p)
	}
	r.sent = remaining

	r.onPacketsLost(lost, now)
	return
}

func (r *recovery) ackElicitingInFlight() bool {
	for _, p := range r.sent {
		if p.ackEliciting {
			return true
		}
	}
	return false
}

func (r *recovery) pto() time.Duration {
	variance := 4 * r.rttvar
	if variance < timerGranularity {
		variance = timerGranularity
	}
	backoff := r.ptoCount
	if backoff > maxPTOBackoff {
		backoff = maxPTOBackoff
	}
	return (r.srtt + variance) << backoff
}

// deadline is the next time onTimeout must be called, or the zero time.
func (r *recovery) deadline() time.Time {
	if !r.lossTime.IsZero() {
		return r.lossTime
	}
	if !r.ackElicitingInFlight() {
		return time.Time{}
	}
	return r.lastAckElicitingSent.Add(r.pto())
}

// onTimeout handles an expired deadline. Either the time threshold declares
// packets lost or, on a probe timeout, all outstanding packets are lost.
func (r *recovery) onTimeout(now time.Time) (lost []*sentPacket, probe bool) {
	if !r.lossTime.IsZero() {
		if now.Before(r.lossTime) {
			return nil, false
		}
		return r.detectLost(now), false
	}

	if d := r.deadline(); d.IsZero() || now.Before(d) {
		return nil, false
	}

	r.ptoCount++
	lost = r.sent
	r.sent = nil
	for _, p := range lost {
		if p.ackEliciting {
			r.bytesInFlight -= p.size
		}
	}
	r.lost += len(lost)
	return lost, true
}

// discard forgets all outstanding packets without counting them as lost.
// Used by clients restarting after a retry or version negotiation.
func (r *recovery) discard() (packets []*sentPacket) {
	packets = r.sent
	r.sent = nil
	r.bytesInFlight = 0
	r.lossTime = time.Time{}
	r.ptoCount = 0
	return
}
