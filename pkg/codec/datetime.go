package codec

import (
	"encoding/binary"
	"fmt"
	"time"
)

// PostgreSQL measures binary dates and timestamps from its own epoch,
// midnight 2000-01-01 UTC: dates as int32 days and timestamps as int64
// microseconds.
var pgEpoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

const (
	dateTextLayout            = "2006-01-02"
	timestampTextLayout       = "2006-01-02 15:04:05.999999"
	timestamptzTextLayout     = "2006-01-02 15:04:05.999999-07"
	timestampTextLayoutT      = "2006-01-02T15:04:05.999999"
	timestamptzTextLayoutT    = "2006-01-02T15:04:05.999999-07"
	timestamptzTextLayoutZone = "2006-01-02 15:04:05.999999-07:00"
)

// date

func encodeDateText(value any) ([]byte, error) {
	v, err := asTime(value)
	if err != nil {
		return nil, err
	}

	return []byte(v.Format(dateTextLayout)), nil
}

func encodeDateBinary(value any) ([]byte, error) {
	v, err := asTime(value)
	if err != nil {
		return nil, err
	}

	v = v.UTC()
	days := v.Truncate(24*time.Hour).Sub(pgEpoch) / (24 * time.Hour)

	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, uint32(int32(days)))
	return out, nil
}

func decodeDateText(src []byte) (any, error) {
	v, err := time.ParseInLocation(dateTextLayout, string(src), time.UTC)
	if err != nil {
		return nil, NewErrUndecodableText(err)
	}

	return v, nil
}

func decodeDateBinary(src []byte) (any, error) {
	if len(src) != 4 {
		return nil, NewErrUndecodableBinary(fmt.Errorf("unexpected date length: %d", len(src)))
	}

	days := int32(binary.BigEndian.Uint32(src))
	return pgEpoch.AddDate(0, 0, int(days)), nil
}

// timestamp / timestamptz

func encodeTimestampText(value any) ([]byte, error) {
	v, err := asTime(value)
	if err != nil {
		return nil, err
	}

	return []byte(v.UTC().Format(timestampTextLayout)), nil
}

func encodeTimestamptzText(value any) ([]byte, error) {
	v, err := asTime(value)
	if err != nil {
		return nil, err
	}

	return []byte(v.UTC().Format(timestamptzTextLayout)), nil
}

func encodeTimestampBinary(value any) ([]byte, error) {
	v, err := asTime(value)
	if err != nil {
		return nil, err
	}

	micros := v.UTC().Sub(pgEpoch).Microseconds()

	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, uint64(micros))
	return out, nil
}

func decodeTimestampText(src []byte) (any, error) {
	for _, layout := range []string{timestampTextLayout, timestampTextLayoutT} {
		v, err := time.ParseInLocation(layout, string(src), time.UTC)
		if err == nil {
			return v, nil
		}
	}

	return nil, NewErrUndecodableText(fmt.Errorf("invalid input syntax for type timestamp: %q", src))
}

func decodeTimestamptzText(src []byte) (any, error) {
	layouts := []string{
		timestamptzTextLayout,
		timestamptzTextLayoutT,
		timestamptzTextLayoutZone,
		timestampTextLayout,
		timestampTextLayoutT,
	}

	for _, layout := range layouts {
		v, err := time.ParseInLocation(layout, string(src), time.UTC)
		if err == nil {
			return v.UTC(), nil
		}
	}

	return nil, NewErrUndecodableText(fmt.Errorf("invalid input syntax for type timestamptz: %q", src))
}

func decodeTimestampBinary(src []byte) (any, error) {
	if len(src) != 8 {
		return nil, NewErrUndecodableBinary(fmt.Errorf("unexpected timestamp length: %d", len(src)))
	}

	micros := int64(binary.BigEndian.Uint64(src))
	return pgEpoch.Add(time.Duration(micros) * time.Microsecond), nil
}

func decodeTimestamptzBinary(src []byte) (any, error) {
	return decodeTimestampBinary(src)
}

func asTime(value any) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case string:
		out, err := decodeTimestamptzText([]byte(v))
		if err != nil {
			return time.Time{}, err
		}
		return out.(time.Time), nil
	}

	return time.Time{}, fmt.Errorf("cannot encode %T as timestamp", value)
}
