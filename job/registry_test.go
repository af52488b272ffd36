package job_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/xraph/reckon"
	"github.com/xraph/reckon/job"
)

type sumInput struct {
	Values []int `json:"values"`
}

type sumOutput struct {
	Total int `json:"total"`
}

const sumSchema = `{
	"type": "object",
	"required": ["values"],
	"properties": {"values": {"type": "array", "items": {"type": "integer"}}}
}`

func sumDefinition() *job.Definition[sumInput, sumOutput] {
	return job.NewDefinition(job.TypeCompliance,
		func(_ context.Context, in sumInput, _ job.Reporter) (sumOutput, error) {
			var out sumOutput
			for _, v := range in.Values {
				out.Total += v
			}
			return out, nil
		},
		job.WithSchema(sumSchema),
		job.WithMaxAttempts(5),
	)
}

func TestRegistry_RegisterDefinition(t *testing.T) {
	r := job.NewRegistry()
	if err := job.RegisterDefinition(r, sumDefinition()); err != nil {
		t.Fatalf("RegisterDefinition: %v", err)
	}

	h, ok := r.Get(job.TypeCompliance)
	if !ok {
		t.Fatal("expected handler to be registered")
	}
	out, err := h.Handle(context.Background(), []byte(`{"values":[1,2,3]}`), job.NopReporter())
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	var got sumOutput
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if got.Total != 6 {
		t.Errorf("Total = %d, want 6", got.Total)
	}

	opts, _ := r.Options(job.TypeCompliance)
	if opts.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", opts.MaxAttempts)
	}
}

func TestRegistry_UnknownType(t *testing.T) {
	r := job.NewRegistry()
	err := r.Register("SHIPPING", job.HandlerFunc(func(context.Context, json.RawMessage, job.Reporter) (json.RawMessage, error) {
		return nil, nil
	}))
	if err == nil {
		t.Fatal("expected error registering unknown type")
	}
	if _, ok := r.Get("SHIPPING"); ok {
		t.Fatal("unknown type must not be registered")
	}
}

func TestRegistry_BadSchema(t *testing.T) {
	r := job.NewRegistry()
	def := sumDefinition()
	def.Opts.Schema = `{"type": 12}`
	if err := job.RegisterDefinition(r, def); err == nil {
		t.Fatal("expected schema compile error")
	}
}

func TestRegistry_Validate(t *testing.T) {
	r := job.NewRegistry()
	if err := job.RegisterDefinition(r, sumDefinition()); err != nil {
		t.Fatalf("RegisterDefinition: %v", err)
	}

	tests := []struct {
		name    string
		typ     job.Type
		input   string
		wantErr bool
	}{
		{"valid", job.TypeCompliance, `{"values":[1]}`, false},
		{"missing field", job.TypeCompliance, `{}`, true},
		{"wrong item type", job.TypeCompliance, `{"values":["a"]}`, true},
		{"malformed json", job.TypeCompliance, `{"values":`, true},
		{"empty input against schema", job.TypeCompliance, ``, true},
		{"no schema accepts anything", job.TypeOCR, `{"anything":true}`, false},
		{"no schema still needs json", job.TypeOCR, `nope`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Validate(tt.typ, []byte(tt.input))
			if tt.wantErr {
				if !errors.Is(err, reckon.ErrValidation) {
					t.Fatalf("err = %v, want ErrValidation", err)
				}
				var ve *reckon.ValidationError
				if !errors.As(err, &ve) || ve.Field != "input" {
					t.Errorf("expected ValidationError on field input, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestDefinition_DecodeErrorIsFatal(t *testing.T) {
	h := sumDefinition().Handler()
	_, err := h.Handle(context.Background(), []byte(`{"values":"x"}`), job.NopReporter())
	if err == nil {
		t.Fatal("expected decode error")
	}
	if reckon.IsTransient(err) {
		t.Error("decode errors must not be retried")
	}
}

func TestDefinition_HandlerErrorPassesThrough(t *testing.T) {
	want := reckon.Transient(errors.New("upstream timeout"))
	def := job.NewDefinition(job.TypeOCR, func(context.Context, struct{}, job.Reporter) (struct{}, error) {
		return struct{}{}, want
	})
	_, err := def.Handler().Handle(context.Background(), nil, job.NopReporter())
	if !errors.Is(err, want) || !reckon.IsTransient(err) {
		t.Fatalf("err = %v, want transient passthrough", err)
	}
}

func TestRegistry_Types(t *testing.T) {
	r := job.NewRegistry()
	noop := job.HandlerFunc(func(context.Context, json.RawMessage, job.Reporter) (json.RawMessage, error) { return nil, nil })
	for _, typ := range []job.Type{job.TypeReporting, job.TypeOCR} {
		if err := r.Register(typ, noop); err != nil {
			t.Fatalf("Register(%s): %v", typ, err)
		}
	}
	types := r.Types()
	if len(types) != 2 || types[0] != job.TypeOCR || types[1] != job.TypeReporting {
		t.Errorf("Types() = %v", types)
	}
}
