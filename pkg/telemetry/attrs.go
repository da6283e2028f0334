package telemetry

import (
	"fmt"
	"maps"
	"sort"

	"go.opentelemetry.io/otel/attribute"
)

type ActionCategory int

const (
	Fuzzing ActionCategory = iota
	Triage
	Minimization
)

func (a ActionCategory) String() string {
	switch a {
	case Fuzzing:
		return "fuzzing"
	case Triage:
		return "triage"
	case Minimization:
		return "minimization"
	default:
		return "unknown"
	}
}

type SpanAttributes struct {
	ActionCategory string

	CampaignId optional[string]   // fuzz.campaign.id
	Target     optional[[]string] // fuzz.target.command
	CorpusSize optional[int]      // fuzz.corpus.size
	Jobs       optional[int]      // fuzz.jobs
	Seed       optional[int64]    // fuzz.seed

	extraAttributes map[string]any
}

func NewSpanAttributes(actionCategory ActionCategory) *SpanAttributes {
	return &SpanAttributes{
		ActionCategory:  actionCategory.String(),
		extraAttributes: make(map[string]any),
	}
}

// returns an empty SpanAttributes instance with no action category.
// this is useful for creating a SpanAttributes instance that can be populated later.
func EmptySpanAttributes() *SpanAttributes {
	return &SpanAttributes{
		extraAttributes: make(map[string]any),
	}
}

// Merge updates the current SpanAttributes with values from another SpanAttributes.
// Values are only updated if they are set in the other SpanAttributes and not set in the current one.
// The ActionCategory is always updated when the other one has it.
func (o *SpanAttributes) Merge(other *SpanAttributes) {
	if other == nil {
		return
	}

	if other.ActionCategory != "" {
		o.ActionCategory = other.ActionCategory
	}

	mergeOptional(&o.CampaignId, &other.CampaignId)
	mergeOptional(&o.Target, &other.Target)
	mergeOptional(&o.CorpusSize, &other.CorpusSize)
	mergeOptional(&o.Jobs, &other.Jobs)
	mergeOptional(&o.Seed, &other.Seed)

	if o.extraAttributes == nil {
		o.extraAttributes = make(map[string]any)
	}
	for k, v := range other.extraAttributes {
		if _, exists := o.extraAttributes[k]; !exists {
			o.extraAttributes[k] = v
		}
	}
}

func (o *SpanAttributes) WithCampaignId(val string) *SpanAttributes {
	o.CampaignId.Set(val)
	return o
}

func (o *SpanAttributes) WithTarget(val []string) *SpanAttributes {
	o.Target.Set(val)
	return o
}

func (o *SpanAttributes) WithCorpusSize(val int) *SpanAttributes {
	o.CorpusSize.Set(val)
	return o
}

func (o *SpanAttributes) WithJobs(val int) *SpanAttributes {
	o.Jobs.Set(val)
	return o
}

func (o *SpanAttributes) WithSeed(val uint64) *SpanAttributes {
	o.Seed.Set(int64(val))
	return o
}

func (o *SpanAttributes) WithExtraAttribute(key string, val any) *SpanAttributes {
	if o.extraAttributes == nil {
		o.extraAttributes = make(map[string]any)
	}
	o.extraAttributes[key] = val
	return o
}

func (o *SpanAttributes) WithExtraAttributes(attrs map[string]any) *SpanAttributes {
	if o.extraAttributes == nil {
		o.extraAttributes = make(map[string]any)
	}
	maps.Copy(o.extraAttributes, attrs)
	return o
}

func (o SpanAttributes) Attributes() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	attrs = append(attrs, attribute.String("fuzz.action.category", o.ActionCategory))
	if o.CampaignId.set {
		attrs = append(attrs, attribute.String("fuzz.campaign.id", o.CampaignId.val))
	}
	if o.Target.set {
		attrs = append(attrs, attribute.StringSlice("fuzz.target.command", o.Target.val))
	}
	if o.CorpusSize.set {
		attrs = append(attrs, attribute.Int("fuzz.corpus.size", o.CorpusSize.val))
	}
	if o.Jobs.set {
		attrs = append(attrs, attribute.Int("fuzz.jobs", o.Jobs.val))
	}
	if o.Seed.set {
		attrs = append(attrs, attribute.Int64("fuzz.seed", o.Seed.val))
	}

	keys := make([]string, 0, len(o.extraAttributes))
	for k := range o.extraAttributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch val := o.extraAttributes[k].(type) {
		case string:
			attrs = append(attrs, attribute.String(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case uint64:
			attrs = append(attrs, attribute.Int64(k, int64(val)))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		default:
			attrs = append(attrs, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}

	return attrs
}

type EventAttributes []attribute.KeyValue

func NewEventAttributes(attributes map[string]string) EventAttributes {
	attrs := make(EventAttributes, 0, len(attributes))
	for k, v := range attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

type optional[T any] struct {
	val T
	set bool
}

func (o *optional[T]) Set(val T) { o.val = val; o.set = true }

func mergeOptional[T any](target, source *optional[T]) {
	if !target.set && source.set {
		target.val = source.val
		target.set = true
	}
}
