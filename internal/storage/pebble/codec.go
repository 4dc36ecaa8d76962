package pebblestore

import (
	"encoding/binary"
	"fmt"
	"reflect"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/fxamacker/cbor/v2"
	"github.com/szibis/logs-governor/internal/compression"
)

// Attribute kinds as stored on disk.
const (
	kindS uint8 = iota + 1
	kindN
	kindBOOL
	kindSS
	kindNS
	kindL
	kindM
	kindNULL
)

// storedValue is the on-disk form of one attribute value. Kind is always set
// so empty lists and maps keep their type.
type storedValue struct {
	Kind uint8                  `cbor:"0,keyasint"`
	Str  string                 `cbor:"1,keyasint,omitempty"`
	Bool bool                   `cbor:"2,keyasint,omitempty"`
	Set  []string               `cbor:"3,keyasint,omitempty"`
	List []storedValue          `cbor:"4,keyasint,omitempty"`
	Map  map[string]storedValue `cbor:"5,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("pebblestore: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("pebblestore: CBOR decoder initialization failed: " + err.Error())
	}
}

func toStored(av types.AttributeValue) (storedValue, error) {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return storedValue{Kind: kindS, Str: v.Value}, nil
	case *types.AttributeValueMemberN:
		return storedValue{Kind: kindN, Str: v.Value}, nil
	case *types.AttributeValueMemberBOOL:
		return storedValue{Kind: kindBOOL, Bool: v.Value}, nil
	case *types.AttributeValueMemberSS:
		return storedValue{Kind: kindSS, Set: v.Value}, nil
	case *types.AttributeValueMemberNS:
		return storedValue{Kind: kindNS, Set: v.Value}, nil
	case *types.AttributeValueMemberNULL:
		return storedValue{Kind: kindNULL}, nil
	case *types.AttributeValueMemberL:
		list := make([]storedValue, len(v.Value))
		for i, item := range v.Value {
			sv, err := toStored(item)
			if err != nil {
				return storedValue{}, err
			}
			list[i] = sv
		}
		return storedValue{Kind: kindL, List: list}, nil
	case *types.AttributeValueMemberM:
		m := make(map[string]storedValue, len(v.Value))
		for k, item := range v.Value {
			sv, err := toStored(item)
			if err != nil {
				return storedValue{}, err
			}
			m[k] = sv
		}
		return storedValue{Kind: kindM, Map: m}, nil
	default:
		return storedValue{}, fmt.Errorf("unsupported attribute value %T", av)
	}
}

func fromStored(sv storedValue) (types.AttributeValue, error) {
	switch sv.Kind {
	case kindS:
		return &types.AttributeValueMemberS{Value: sv.Str}, nil
	case kindN:
		return &types.AttributeValueMemberN{Value: sv.Str}, nil
	case kindBOOL:
		return &types.AttributeValueMemberBOOL{Value: sv.Bool}, nil
	case kindSS:
		return &types.AttributeValueMemberSS{Value: sv.Set}, nil
	case kindNS:
		return &types.AttributeValueMemberNS{Value: sv.Set}, nil
	case kindNULL:
		return &types.AttributeValueMemberNULL{Value: true}, nil
	case kindL:
		list := make([]types.AttributeValue, len(sv.List))
		for i, item := range sv.List {
			av, err := fromStored(item)
			if err != nil {
				return nil, err
			}
			list[i] = av
		}
		return &types.AttributeValueMemberL{Value: list}, nil
	case kindM:
		m := make(map[string]types.AttributeValue, len(sv.Map))
		for k, item := range sv.Map {
			av, err := fromStored(item)
			if err != nil {
				return nil, err
			}
			m[k] = av
		}
		return &types.AttributeValueMemberM{Value: m}, nil
	default:
		return nil, fmt.Errorf("unknown stored attribute kind %d", sv.Kind)
	}
}

// encodeItem serializes an item as a compression tag byte followed by the
// compressed CBOR map.
func encodeItem(item map[string]types.AttributeValue, c compression.Type) ([]byte, error) {
	stored := make(map[string]storedValue, len(item))
	for name, av := range item {
		sv, err := toStored(av)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", name, err)
		}
		stored[name] = sv
	}
	raw, err := encMode.Marshal(stored)
	if err != nil {
		return nil, err
	}
	body, err := compression.Compress(raw, c)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, c.Tag())
	return append(out, body...), nil
}

func decodeItem(value []byte) (map[string]types.AttributeValue, error) {
	if len(value) == 0 {
		return nil, fmt.Errorf("empty stored item")
	}
	c, err := compression.TypeFromTag(value[0])
	if err != nil {
		return nil, err
	}
	raw, err := compression.Decompress(value[1:], c)
	if err != nil {
		return nil, err
	}
	var stored map[string]storedValue
	if err := decMode.Unmarshal(raw, &stored); err != nil {
		return nil, err
	}
	item := make(map[string]types.AttributeValue, len(stored))
	for name, sv := range stored {
		av, err := fromStored(sv)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", name, err)
		}
		item[name] = av
	}
	return item, nil
}

// itemKey builds table 0x00 partitionKey 0x00 timestamp. The timestamp is
// big-endian with the sign bit flipped so keys sort in time order.
func itemKey(table, partitionKey string, ts int64) []byte {
	key := partitionPrefix(table, partitionKey)
	return binary.BigEndian.AppendUint64(key, uint64(ts)^(1<<63))
}

func partitionPrefix(table, partitionKey string) []byte {
	key := make([]byte, 0, len(table)+len(partitionKey)+10)
	key = append(key, table...)
	key = append(key, 0)
	key = append(key, partitionKey...)
	return append(key, 0)
}

// prefixUpperBound returns the smallest key greater than every key with prefix p.
func prefixUpperBound(p []byte) []byte {
	upper := append([]byte(nil), p...)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}

// itemSize approximates the backend's item size: attribute names plus values.
func itemSize(item map[string]types.AttributeValue) int {
	n := 0
	for name, av := range item {
		n += len(name) + valueSize(av)
	}
	return n
}

func valueSize(av types.AttributeValue) int {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return len(v.Value)
	case *types.AttributeValueMemberN:
		return len(v.Value)
	case *types.AttributeValueMemberBOOL, *types.AttributeValueMemberNULL:
		return 1
	case *types.AttributeValueMemberSS:
		n := 0
		for _, s := range v.Value {
			n += len(s)
		}
		return n
	case *types.AttributeValueMemberNS:
		n := 0
		for _, s := range v.Value {
			n += len(s)
		}
		return n
	case *types.AttributeValueMemberL:
		n := 3
		for _, item := range v.Value {
			n += 1 + valueSize(item)
		}
		return n
	case *types.AttributeValueMemberM:
		n := 3
		for k, item := range v.Value {
			n += 1 + len(k) + valueSize(item)
		}
		return n
	default:
		return 0
	}
}
