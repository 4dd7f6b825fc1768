package models

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Field names a single quote topic on the feed.
type Field string

const (
	FieldBid     Field = "BID"
	FieldAsk     Field = "ASK"
	FieldLast    Field = "LAST"
	FieldMark    Field = "MARK"
	FieldOpen    Field = "OPEN"
	FieldHigh    Field = "HIGH"
	FieldLow     Field = "LOW"
	FieldClose   Field = "CLOSE"
	FieldVolume  Field = "VOLUME"
	FieldBidSize Field = "BID_SIZE"
	FieldAskSize Field = "ASK_SIZE"
	FieldOpenInt Field = "OPEN_INT"
	FieldImplVol Field = "IMPL_VOL"
	FieldDelta   Field = "DELTA"
	FieldGamma   Field = "GAMMA"
	FieldVanna   Field = "VANNA"
	FieldCharm   Field = "CHARM"
)

// FieldKind categorises feed fields so loosely typed feed values can be
// validated at the boundary before they enter the store.
type FieldKind int

const (
	KindPrice FieldKind = iota
	KindSize
	KindGreek
	KindOpenInterest
	KindVolatility
	KindUnknown
)

var fieldKinds = map[Field]FieldKind{
	FieldBid:     KindPrice,
	FieldAsk:     KindPrice,
	FieldLast:    KindPrice,
	FieldMark:    KindPrice,
	FieldOpen:    KindPrice,
	FieldHigh:    KindPrice,
	FieldLow:     KindPrice,
	FieldClose:   KindPrice,
	FieldVolume:  KindSize,
	FieldBidSize: KindSize,
	FieldAskSize: KindSize,
	FieldOpenInt: KindOpenInterest,
	FieldImplVol: KindVolatility,
	FieldDelta:   KindGreek,
	FieldGamma:   KindGreek,
	FieldVanna:   KindGreek,
	FieldCharm:   KindGreek,
}

// Kind returns the category of a field, KindUnknown for unrecognised topics.
func (f Field) Kind() FieldKind {
	if k, ok := fieldKinds[f]; ok {
		return k
	}
	return KindUnknown
}

// ParseFieldValue converts a raw feed value into a float usable for the
// field's kind. Returns false when the value is absent, not numeric, NaN,
// or out of range for its category (negative sizes, negative prices).
// Treasury tick strings such as "109'080" resolve to 109 + 8/32.
func ParseFieldValue(field Field, raw string) (float64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "N/A" || raw == "!N/A" {
		return 0, false
	}

	v, err := parseNumeric(raw)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}

	switch field.Kind() {
	case KindPrice, KindVolatility:
		if v < 0 {
			return 0, false
		}
	case KindSize, KindOpenInterest:
		if v < 0 || v != math.Trunc(v) {
			return 0, false
		}
	case KindUnknown:
		return 0, false
	}
	return v, true
}

func parseNumeric(raw string) (float64, error) {
	raw = strings.TrimSuffix(raw, "%")
	if i := strings.IndexByte(raw, '\''); i >= 0 {
		whole, err := strconv.ParseFloat(raw[:i], 64)
		if err != nil {
			return 0, err
		}
		ticks := raw[i+1:]
		if len(ticks) < 2 {
			return 0, strconv.ErrSyntax
		}
		n, err := strconv.ParseFloat(ticks[:2], 64)
		if err != nil {
			return 0, err
		}
		if len(ticks) > 2 && ticks[2] == '5' {
			n += 0.5
		}
		return whole + n/32, nil
	}
	return strconv.ParseFloat(raw, 64)
}

// QuoteEvent is one parsed update from the feed: a single field of a single
// contract or underlying topic.
type QuoteEvent struct {
	ContractID string    `json:"contract_id"`
	Field      Field     `json:"field"`
	Value      float64   `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
}

// RawFeedMessage is an inbound feed frame before parsing, retained for the
// configured retention window.
type RawFeedMessage struct {
	Source    string    `json:"source"`
	Data      []byte    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

/// QuoteRecord is the persisted form of a quote field: the latest value plus
// its last write time, keyed by contract ID and field name.
type QuoteRecord struct {
	ContractID string    `json:"contract_id"`
	Field      Field     `json:"field"`
	Value      float64   `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
}

// RetainedMessage is a raw feed message kept in the retention store, keyed
// by arrival sequence.
type RetainedMessage struct {
	Sequence  uint64    `json:"sequence"`
	Source    string    `json:"source"`
	Data      []byte    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}
