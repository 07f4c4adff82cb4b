package record

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/golang/snappy"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/youzan/zangeo/common/geohash"
)

const (
	GeohashField    = "g"
	LocationField   = "l"
	CompressedField = "z"

	DefaultDataField = "d"
)

var (
	ErrInvalidRecord    = errors.New("invalid index record")
	ErrInvalidDataField = errors.New("invalid data field name")
)

// Record is the stored form of an indexed entry. The store orders on Geohash.
type Record struct {
	Geohash  string
	Location geohash.GeoPoint
	Payload  []byte
}

// Codec converts between locations and the JSON record shape
// {"g": geohash, "l": [lat, lon], "<DataField>": base64 payload}.
// A zero Codec uses the default data field and precision.
type Codec struct {
	DataField string `json:"data_field"`
	// Compress stores the payload snappy compressed and marks the record
	// with "z": true.
	Compress  bool `json:"compress"`
	Precision int  `json:"precision"`
}

func (c Codec) dataField() string {
	if c.DataField == "" {
		return DefaultDataField
	}
	return c.DataField
}

func (c Codec) precision() int {
	if c.Precision == 0 {
		return geohash.DefaultPrecision
	}
	return c.Precision
}

func (c Codec) Validate() error {
	f := c.dataField()
	switch f {
	case GeohashField, LocationField, CompressedField:
		return fmt.Errorf("%w: %q is reserved", ErrInvalidDataField, f)
	}
	if strings.ContainsAny(f, `.*?|#@\"`) {
		return fmt.Errorf("%w: %q", ErrInvalidDataField, f)
	}
	if p := c.precision(); p < 1 || p > geohash.MaxPrecision {
		return fmt.Errorf("%w: %d", geohash.ErrInvalidPrecision, p)
	}
	return nil
}

// NewRecord encodes the location and keeps the payload as is.
func (c Codec) NewRecord(loc geohash.GeoPoint, payload []byte) (Record, error) {
	hash, err := geohash.Encode(loc, c.precision())
	if err != nil {
		return Record{}, err
	}
	return Record{Geohash: hash, Location: loc, Payload: payload}, nil
}

// ToRecord builds the stored JSON for a location and optional payload.
func (c Codec) ToRecord(loc geohash.GeoPoint, payload []byte) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	r, err := c.NewRecord(loc, payload)
	if err != nil {
		return nil, err
	}
	return c.Marshal(r)
}

func (c Codec) Marshal(r Record) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if !geohash.ValidGeohash(r.Geohash) {
		return nil, fmt.Errorf("%w: %q", geohash.ErrInvalidGeohash, r.Geohash)
	}
	if err := r.Location.Validate(); err != nil {
		return nil, err
	}
	data, err := sjson.SetBytes([]byte("{}"), GeohashField, r.Geohash)
	if err != nil {
		return nil, err
	}
	data, err = sjson.SetBytes(data, LocationField, []float64{r.Location.Latitude, r.Location.Longitude})
	if err != nil {
		return nil, err
	}
	if r.Payload == nil {
		return data, nil
	}
	payload := r.Payload
	if c.Compress {
		payload = snappy.Encode(nil, payload)
		data, err = sjson.SetBytes(data, CompressedField, true)
		if err != nil {
			return nil, err
		}
	}
	return sjson.SetBytes(data, c.dataField(), base64.StdEncoding.EncodeToString(payload))
}

// FromRecord parses a stored record, the payload is nil when absent.
func (c Codec) FromRecord(data []byte) (Record, error) {
	if err := c.Validate(); err != nil {
		return Record{}, err
	}
	if !gjson.ValidBytes(data) {
		return Record{}, fmt.Errorf("%w: not json", ErrInvalidRecord)
	}
	rets := gjson.GetManyBytes(data, GeohashField, LocationField, c.dataField(), CompressedField)
	var r Record
	if rets[0].Type != gjson.String || !geohash.ValidGeohash(rets[0].String()) {
		return Record{}, fmt.Errorf("%w: bad geohash %v", ErrInvalidRecord, rets[0].Raw)
	}
	r.Geohash = rets[0].String()

	loc := rets[1].Array()
	if !rets[1].IsArray() || len(loc) != 2 || loc[0].Type != gjson.Number || loc[1].Type != gjson.Number {
		return Record{}, fmt.Errorf("%w: bad location %v", ErrInvalidRecord, rets[1].Raw)
	}
	p, err := geohash.NewGeoPoint(loc[0].Float(), loc[1].Float())
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	r.Location = p

	if !rets[2].Exists() || rets[2].Type == gjson.Null {
		return r, nil
	}
	if rets[2].Type != gjson.String {
		return Record{}, fmt.Errorf("%w: data field %q is not a string", ErrInvalidRecord, c.dataField())
	}
	payload, err := base64.StdEncoding.DecodeString(rets[2].String())
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if rets[3].Bool() {
		payload, err = snappy.Decode(nil, payload)
		if err != nil {
			return Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		}
	}
	r.Payload = payload
	return r, nil
}
