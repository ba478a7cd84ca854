package domain

import (
	"encoding/json"
	"testing"
)

func TestDecodePayloadAnalysisDefaults(t *testing.T) {
	p, err := DecodePayload(JobTypeAnalysis, json.RawMessage(`{"images":[" a.png ",""]}`))
	if err != nil {
		t.Fatalf("DecodePayload error: %v", err)
	}
	analysis := p.(*AnalysisPayload)
	if len(analysis.Images) != 1 || analysis.Images[0] != "a.png" {
		t.Fatalf("images = %#v", analysis.Images)
	}
	if analysis.PlanCount != DefaultPlanCount {
		t.Fatalf("plan_count = %d, want %d", analysis.PlanCount, DefaultPlanCount)
	}
	if analysis.Mode != WorkflowProduct {
		t.Fatalf("mode = %q", analysis.Mode)
	}
}

func TestDecodePayloadAnalysisErrors(t *testing.T) {
	tests := []struct {
		raw  string
		code Code
	}{
		{`{"images":[]}`, CodeAnalysisInputImageMissing},
		{`{"images":["a"],"mode":"model"}`, CodeAnalysisModelImageMissing},
		{`{"images":["a"],"plan_count":16}`, CodeInvalidPayload},
		{`{"images":"a"}`, CodeInvalidPayload},
	}
	for _, tc := range tests {
		_, err := DecodePayload(JobTypeAnalysis, json.RawMessage(tc.raw))
		if CodeOf(err) != tc.code {
			t.Fatalf("%s: code = %s, want %s", tc.raw, CodeOf(err), tc.code)
		}
	}
}

func TestDecodePayloadImageGen(t *testing.T) {
	_, err := DecodePayload(JobTypeImageGen, json.RawMessage(`{"images":["p.png"]}`))
	if CodeOf(err) != CodeImagePromptMissing {
		t.Fatalf("code = %s, want %s", CodeOf(err), CodeImagePromptMissing)
	}
	_, err = DecodePayload(JobTypeImageGen, json.RawMessage(`{"prompt":"studio"}`))
	if CodeOf(err) != CodeImageSourceMissing {
		t.Fatalf("code = %s, want %s", CodeOf(err), CodeImageSourceMissing)
	}
	p, err := DecodePayload(JobTypeImageGen, json.RawMessage(`{"images":["p.png"],"prompt":"studio","resolution":"2k"}`))
	if err != nil {
		t.Fatalf("DecodePayload error: %v", err)
	}
	gen := p.(*ImageGenPayload)
	if gen.Resolution != "2K" || gen.AspectRatio != DefaultAspectRatio {
		t.Fatalf("defaults not applied: %+v", gen)
	}
}

func TestDecodePayloadRejectsUnpricedResolution(t *testing.T) {
	_, err := DecodePayload(JobTypeImageGen, json.RawMessage(`{"images":["p.png"],"prompt":"studio","resolution":"8k"}`))
	if CodeOf(err) != CodeInvalidPayload || IsRetryable(err) {
		t.Fatalf("image gen err = %v", err)
	}
	raw, _ := json.Marshal(ReplicatePayload{Mode: ReplicateRefinement, ProductImages: []string{"p.png"}, Resolution: "HD"})
	if _, err := DecodePayload(JobTypeStyleReplicate, raw); CodeOf(err) != CodeInvalidPayload {
		t.Fatalf("replicate err = %v", err)
	}
}

func TestDecodePayloadReplicateLimits(t *testing.T) {
	refs := make([]string, MaxReferenceImages+1)
	for i := range refs {
		refs[i] = "ref.png"
	}
	raw, _ := json.Marshal(ReplicatePayload{Mode: ReplicateBatch, ReferenceImages: refs, ProductImage: "p.png"})
	if _, err := DecodePayload(JobTypeStyleReplicate, raw); CodeOf(err) != CodeInvalidPayload {
		t.Fatalf("code = %s, want %s", CodeOf(err), CodeInvalidPayload)
	}

	raw, _ = json.Marshal(ReplicatePayload{Mode: ReplicateBatch, ReferenceImages: refs[:2], ProductImage: "p.png", GroupCount: 10})
	if _, err := DecodePayload(JobTypeStyleReplicate, raw); CodeOf(err) != CodeInvalidPayload {
		t.Fatalf("group_count: code = %s, want %s", CodeOf(err), CodeInvalidPayload)
	}

	raw, _ = json.Marshal(ReplicatePayload{Mode: ReplicateRefinement})
	if _, err := DecodePayload(JobTypeStyleReplicate, raw); CodeOf(err) != CodeImageSourceMissing {
		t.Fatalf("refinement: code = %s, want %s", CodeOf(err), CodeImageSourceMissing)
	}

	raw, _ = json.Marshal(ReplicatePayload{Mode: "mosaic"})
	if _, err := DecodePayload(JobTypeStyleReplicate, raw); CodeOf(err) != CodeInvalidPayload {
		t.Fatalf("unknown mode: code = %s, want %s", CodeOf(err), CodeInvalidPayload)
	}
}

func TestDecodePayloadUnsupportedType(t *testing.T) {
	if _, err := DecodePayload(JobType("VIDEO"), nil); CodeOf(err) != CodeUnsupportedJobType {
		t.Fatalf("code = %s, want %s", CodeOf(err), CodeUnsupportedJobType)
	}
}
