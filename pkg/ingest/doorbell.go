// Package ingest turns doorbell datagrams into journaled Twitch events.
// The doorbell protocol is deliberately dumb: a packet only announces
// that something happened; the payload truth lives in bridge variables
// and the store's per-category cursor decides freshness.
package ingest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrPacketInvalid = errors.New("doorbell packet invalid")

// categoryCodes decodes the packed numeric form CCC<timestamp>.
var categoryCodes = map[string]string{
	"101": "CHAT",
	"102": "REDEEM",
	"103": "BITS",
	"104": "FOLLOW",
	"105": "SUB",
	"106": "RAID",
	"107": "HYPE_TRAIN",
	"108": "POLL",
	"109": "PREDICTION",
	"110": "SHOUTOUT",
	"111": "POWER_UPS",
	"112": "HYPE",
}

// canonicalCategories is the closed set of category names.
var canonicalCategories = func() map[string]bool {
	out := make(map[string]bool, len(categoryCodes))
	for _, name := range categoryCodes {
		out[name] = true
	}
	return out
}()

// Packet is one parsed doorbell token. Seq is carried for diagnostics
// only; dedupe runs on the commit timestamp alone.
type Packet struct {
	Category string
	CommitTS int64
	Seq      int64
	HasSeq   bool
	Raw      string
}

// ParsePacket accepts the pipe form CATEGORY|ts[|seq] and the packed
// numeric form CCC<timestamp>. Category membership is the caller's
// problem; this only checks shape.
func ParsePacket(raw string) (Packet, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Packet{}, fmt.Errorf("%w: empty", ErrPacketInvalid)
	}
	if strings.Contains(trimmed, "|") {
		return parsePipe(trimmed)
	}
	if allDigits(trimmed) && len(trimmed) > 3 {
		return parsePacked(trimmed)
	}
	return Packet{}, fmt.Errorf("%w: %q", ErrPacketInvalid, clip(trimmed))
}

func parsePipe(s string) (Packet, error) {
	parts := strings.Split(s, "|")
	if len(parts) < 2 || len(parts) > 3 {
		return Packet{}, fmt.Errorf("%w: want CATEGORY|ts[|seq], got %d fields", ErrPacketInvalid, len(parts))
	}
	category := strings.TrimSpace(parts[0])
	if category == "" {
		return Packet{}, fmt.Errorf("%w: empty category", ErrPacketInvalid)
	}
	// Numeric category tokens reuse the packed-form table.
	if decoded, ok := categoryCodes[category]; ok {
		category = decoded
	}

	ts, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil || ts <= 0 {
		return Packet{}, fmt.Errorf("%w: bad timestamp %q", ErrPacketInvalid, clip(parts[1]))
	}

	pkt := Packet{Category: strings.ToUpper(category), CommitTS: ts, Raw: s}
	if len(parts) == 3 {
		seq, err := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 64)
		if err != nil {
			return Packet{}, fmt.Errorf("%w: bad seq %q", ErrPacketInvalid, clip(parts[2]))
		}
		pkt.Seq = seq
		pkt.HasSeq = true
	}
	return pkt, nil
}

func parsePacked(s string) (Packet, error) {
	category, ok := categoryCodes[s[:3]]
	if !ok {
		return Packet{}, fmt.Errorf("%w: unknown category code %q", ErrPacketInvalid, s[:3])
	}
	ts, err := strconv.ParseInt(s[3:], 10, 64)
	if err != nil || ts <= 0 {
		return Packet{}, fmt.Errorf("%w: bad packed timestamp", ErrPacketInvalid)
	}
	return Packet{Category: category, CommitTS: ts, Raw: s}, nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func clip(s string) string {
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}
