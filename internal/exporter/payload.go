package exporter

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/szibis/logs-governor/internal/logging"
)

// AttributeType is a DynamoDB attribute value type tag.
type AttributeType string

const (
	AttributeString    AttributeType = "S"
	AttributeNumber    AttributeType = "N"
	AttributeBool      AttributeType = "BOOL"
	AttributeStringSet AttributeType = "SS"
	AttributeNumberSet AttributeType = "NS"
	AttributeList      AttributeType = "L"
	AttributeMap       AttributeType = "M"
)

// Valid reports whether t is a supported tag.
func (t AttributeType) Valid() bool {
	switch t {
	case AttributeString, AttributeNumber, AttributeBool, AttributeStringSet,
		AttributeNumberSet, AttributeList, AttributeMap:
		return true
	}
	return false
}

// AttributeSchema maps record field names to the attribute type they are
// stored as. Fields missing from a record are omitted from its item.
type AttributeSchema map[string]AttributeType

// AttributeNames names the fixed attributes of every stored item.
type AttributeNames struct {
	PartitionKey string
	Timestamp    string
	Message      string
}

// DefaultAttributeNames returns id / timestamp / message.
func DefaultAttributeNames() AttributeNames {
	return AttributeNames{PartitionKey: "id", Timestamp: "timestamp", Message: "message"}
}

func (n AttributeNames) withDefaults() AttributeNames {
	d := DefaultAttributeNames()
	if n.PartitionKey == "" {
		n.PartitionKey = d.PartitionKey
	}
	if n.Timestamp == "" {
		n.Timestamp = d.Timestamp
	}
	if n.Message == "" {
		n.Message = d.Message
	}
	return n
}

// TimestampOf returns the timestamp attribute of a put request.
func (n AttributeNames) TimestampOf(req types.WriteRequest) (int64, bool) {
	if req.PutRequest == nil {
		return 0, false
	}
	av, ok := req.PutRequest.Item[n.withDefaults().Timestamp].(*types.AttributeValueMemberN)
	if !ok {
		return 0, false
	}
	ts, err := strconv.ParseInt(av.Value, 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}

// Entry is one event to be written.
type Entry struct {
	Message   string
	Timestamp int64
	Fields    map[string]any
}

// Payload is one batch write addressed to a single table.
type Payload struct {
	Table    string
	Requests []types.WriteRequest
}

// Len returns the number of write requests.
func (p *Payload) Len() int {
	return len(p.Requests)
}

// Input converts the payload into a BatchWriteItem request.
func (p *Payload) Input() *dynamodb.BatchWriteItemInput {
	return &dynamodb.BatchWriteItemInput{
		RequestItems: map[string][]types.WriteRequest{p.Table: p.Requests},
	}
}

// BuildPayload turns entries into put requests, in order.
func BuildPayload(table, partitionKey string, names AttributeNames, schema AttributeSchema, entries []Entry) *Payload {
	names = names.withDefaults()
	fields := schema.sortedFields()

	reqs := make([]types.WriteRequest, 0, len(entries))
	for _, e := range entries {
		item := map[string]types.AttributeValue{
			names.PartitionKey: &types.AttributeValueMemberS{Value: partitionKey},
			names.Timestamp:    &types.AttributeValueMemberN{Value: strconv.FormatInt(e.Timestamp, 10)},
			names.Message:      &types.AttributeValueMemberS{Value: e.Message},
		}
		for _, f := range fields {
			v, ok := e.Fields[f]
			if !ok {
				continue
			}
			if _, reserved := item[f]; reserved {
				continue
			}
			av, err := ToAttributeValue(v, schema[f])
			if err != nil {
				logging.Debug("skipping attribute", logging.F(
					"field", f,
					"type", string(schema[f]),
					"error", err.Error(),
				))
				continue
			}
			item[f] = av
		}
		reqs = append(reqs, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
	}
	return &Payload{Table: table, Requests: reqs}
}

func (s AttributeSchema) sortedFields() []string {
	fields := make([]string, 0, len(s))
	for f := range s {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// ToAttributeValue converts a record field into an attribute of type t.
func ToAttributeValue(v any, t AttributeType) (types.AttributeValue, error) {
	switch t {
	case AttributeString:
		switch val := v.(type) {
		case string:
			return &types.AttributeValueMemberS{Value: val}, nil
		case []byte:
			return &types.AttributeValueMemberS{Value: string(val)}, nil
		case nil:
			return nil, fmt.Errorf("nil value for %s attribute", t)
		default:
			return &types.AttributeValueMemberS{Value: fmt.Sprint(val)}, nil
		}
	case AttributeNumber:
		n, err := numberString(v)
		if err != nil {
			return nil, err
		}
		return &types.AttributeValueMemberN{Value: n}, nil
	case AttributeBool:
		switch val := v.(type) {
		case bool:
			return &types.AttributeValueMemberBOOL{Value: val}, nil
		case string:
			b, err := strconv.ParseBool(val)
			if err != nil {
				return nil, fmt.Errorf("not a boolean: %q", val)
			}
			return &types.AttributeValueMemberBOOL{Value: b}, nil
		default:
			return nil, fmt.Errorf("not a boolean: %T", v)
		}
	case AttributeStringSet:
		ss, err := stringSet(v)
		if err != nil {
			return nil, err
		}
		return &types.AttributeValueMemberSS{Value: ss}, nil
	case AttributeNumberSet:
		ns, err := numberSet(v)
		if err != nil {
			return nil, err
		}
		return &types.AttributeValueMemberNS{Value: ns}, nil
	case AttributeList, AttributeMap:
		av, err := attributevalue.Marshal(v)
		if err != nil {
			return nil, err
		}
		switch av.(type) {
		case *types.AttributeValueMemberL:
			if t == AttributeList {
				return av, nil
			}
		case *types.AttributeValueMemberM:
			if t == AttributeMap {
				return av, nil
			}
		}
		return nil, fmt.Errorf("value of type %T does not encode as %s", v, t)
	default:
		return nil, fmt.Errorf("unsupported attribute type %q", t)
	}
}

func numberString(v any) (string, error) {
	switch val := v.(type) {
	case int:
		return strconv.Itoa(val), nil
	case int32:
		return strconv.FormatInt(int64(val), 10), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case uint:
		return strconv.FormatUint(uint64(val), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(val), 10), nil
	case uint64:
		return strconv.FormatUint(val, 10), nil
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case string:
		if _, err := strconv.ParseFloat(val, 64); err != nil {
			return "", fmt.Errorf("not a number: %q", val)
		}
		return val, nil
	default:
		return "", fmt.Errorf("not a number: %T", v)
	}
}

func stringSet(v any) ([]string, error) {
	var out []string
	switch val := v.(type) {
	case []string:
		out = append(out, val...)
	case []any:
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("string set element is %T", item)
			}
			out = append(out, s)
		}
	default:
		return nil, fmt.Errorf("not a string set: %T", v)
	}
	return dedupeNonEmpty(out)
}

func numberSet(v any) ([]string, error) {
	var out []string
	switch val := v.(type) {
	case []int:
		for _, n := range val {
			out = append(out, strconv.Itoa(n))
		}
	case []float64:
		for _, n := range val {
			out = append(out, strconv.FormatFloat(n, 'f', -1, 64))
		}
	case []any:
		for _, item := range val {
			n, err := numberString(item)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
	default:
		return nil, fmt.Errorf("not a number set: %T", v)
	}
	return dedupeNonEmpty(out)
}

// dedupeNonEmpty drops duplicates; DynamoDB rejects sets that are empty or
// contain the same element twice.
func dedupeNonEmpty(in []string) ([]string, error) {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty set")
	}
	return out, nil
}
