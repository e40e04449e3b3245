package worksource

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/tidwall/gjson"

	"evalflow/internal/work"
)

var errDecode = errors.New("malformed upstream payload")

// roleFor maps the upstream contribution key onto a role. Keys look like
// "a_contribution", "b_contribution" or a free-form name for the
// contribution under evaluation.
func roleFor(key string) work.Role {
	switch strings.ToLower(key) {
	case "a_contribution", "contribution_a", "a":
		return work.RoleA
	case "b_contribution", "contribution_b", "b":
		return work.RoleB
	default:
		return work.RoleSubject
	}
}

func decodeRef(key string, v gjson.Result) work.ContributionRef {
	return work.ContributionRef{
		ID:       firstString(v, "id", "contribution_id"),
		Role:     roleFor(key),
		Text:     firstString(v, "text", "content", "translation"),
		AudioURL: firstString(v, "audio_url", "audioUrl"),
		ImageURL: firstString(v, "image_url", "imageUrl"),
	}
}

// decodeContributions resolves the role-keyed contributions object once,
// subject first, then a, then b.
func decodeContributions(obj gjson.Result) []work.ContributionRef {
	if !obj.IsObject() {
		return nil
	}
	var subject, a, b []work.ContributionRef
	obj.ForEach(func(key, value gjson.Result) bool {
		if !value.IsObject() {
			return true
		}
		ref := decodeRef(key.String(), value)
		if ref.ID == "" {
			return true
		}
		switch ref.Role {
		case work.RoleA:
			a = append(a, ref)
		case work.RoleB:
			b = append(b, ref)
		default:
			subject = append(subject, ref)
		}
		return true
	})
	out := append(subject, a...)
	return append(out, b...)
}

// decodeItems turns an assign response into work items. The body is either
// a bare array or an object holding it under "items" or "data".
func decodeItems(body []byte, mode work.Mode, kind work.Kind) ([]work.WorkItem, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: invalid json", errDecode)
	}
	root := gjson.ParseBytes(body)
	list := root
	if !root.IsArray() {
		list = root.Get("items")
		if !list.Exists() {
			list = root.Get("data")
		}
	}
	if !list.Exists() || list.Type == gjson.Null {
		return nil, nil
	}
	if !list.IsArray() {
		return nil, fmt.Errorf("%w: expected a list of items", errDecode)
	}

	var items []work.WorkItem
	skipped := 0
	list.ForEach(func(_, v gjson.Result) bool {
		var it work.WorkItem
		switch mode {
		case work.ModeEvaluation:
			it = decodeStep(v)
		case work.ModeComparison:
			it = decodePair(v)
		default:
			it = decodeSample(v)
		}
		if it.ID == "" {
			skipped++
			return true
		}
		if it.Kind == "" {
			it.Kind = kind
		}
		items = append(items, it)
		return true
	})
	if skipped > 0 {
		log.Printf("[Upstream] skipped %d of %d %s items without an id", skipped, skipped+len(items), mode)
	}
	return items, nil
}

func decodeStep(v gjson.Result) work.WorkItem {
	data := v.Get("step_data")
	it := work.WorkItem{
		ID:                 firstString(v, "id", "step_id"),
		Kind:               work.Kind(firstString(v, "contribution_type", "task_type")),
		BranchID:           firstString(v, "branch_id", "branchId"),
		InstanceID:         firstString(v, "instance_id", "instanceId"),
		Stage:              int(v.Get("stage").Int()),
		RequiresComparison: data.Get("run_ab_test").Bool(),
		Candidates:         decodeContributions(data.Get("contributions")),
	}
	it.Payload = work.Payload{
		SampleID:   firstString(data, "sample_id", "sample.id"),
		SourceText: firstString(data, "source_text", "sample.text"),
		AudioURL:   firstString(data, "audio_url", "sample.audio_url"),
		ImageURL:   firstString(data, "image_url", "sample.image_url"),
	}
	if ref, ok := it.Candidate(work.RoleSubject); ok {
		it.Payload.ContributionID = ref.ID
		it.Payload.Text = ref.Text
		if it.Payload.AudioURL == "" {
			it.Payload.AudioURL = ref.AudioURL
		}
	}
	return it
}

func decodeSample(v gjson.Result) work.WorkItem {
	id := firstString(v, "id", "sample_id")
	return work.WorkItem{
		ID:   id,
		Kind: work.Kind(firstString(v, "contribution_type", "task_type")),
		Payload: work.Payload{
			SampleID:   firstString(v, "sample_id", "id"),
			SourceText: firstString(v, "source_text"),
			Text:       firstString(v, "text", "sentence"),
			AudioURL:   firstString(v, "audio_url"),
			ImageURL:   firstString(v, "image_url"),
		},
	}
}

// decodePair reads a standalone comparison: the two sides either under
// "contributions" or at the top level.
func decodePair(v gjson.Result) work.WorkItem {
	cands := decodeContributions(v.Get("contributions"))
	if len(cands) == 0 {
		for _, key := range []string{"a_contribution", "b_contribution"} {
			if side := v.Get(key); side.IsObject() {
				if ref := decodeRef(key, side); ref.ID != "" {
					cands = append(cands, ref)
				}
			}
		}
	}
	return work.WorkItem{
		ID:                 firstString(v, "pair_id", "id"),
		Kind:               work.Kind(firstString(v, "contribution_type")),
		Stage:              int(v.Get("stage_number").Int()),
		RequiresComparison: true,
		Candidates:         cands,
		Payload: work.Payload{
			SampleID:   firstString(v, "sample_id"),
			SourceText: firstString(v, "source_text", "sample.text"),
			AudioURL:   firstString(v, "sample.audio_url"),
		},
	}
}

func decodeAssignment(body []byte, item work.WorkItem) (work.ABTestAssignment, error) {
	if !gjson.ValidBytes(body) {
		return work.ABTestAssignment{}, fmt.Errorf("%w: invalid json", errDecode)
	}
	pair := decodePair(gjson.ParseBytes(body))
	a, okA := pair.Candidate(work.RoleA)
	b, okB := pair.Candidate(work.RoleB)
	if !okA || !okB {
		return work.ABTestAssignment{}, fmt.Errorf("%w: pair for %s lacks two candidates", errDecode, item.ID)
	}
	id := pair.ID
	if id == "" {
		id = item.ID
	}
	return work.ABTestAssignment{
		PairID:      id,
		ItemID:      item.ID,
		OptionA:     work.ABOption{ContributionID: a.ID, Text: a.Text, AudioURL: a.AudioURL, ImageURL: a.ImageURL},
		OptionB:     work.ABOption{ContributionID: b.ID, Text: b.Text, AudioURL: b.AudioURL, ImageURL: b.ImageURL},
		StageNumber: pair.Stage,
	}, nil
}

func decodeID(body []byte) (string, error) {
	if !gjson.ValidBytes(body) {
		return "", fmt.Errorf("%w: invalid json", errDecode)
	}
	id := firstString(gjson.ParseBytes(body), "id", "contribution_id", "data.id")
	if id == "" {
		return "", fmt.Errorf("%w: response carries no id", errDecode)
	}
	return id, nil
}

// firstString returns the first non-empty value among paths. Numeric ids
// are rendered as strings.
func firstString(v gjson.Result, paths ...string) string {
	for _, p := range paths {
		if r := v.Get(p); r.Exists() && r.Type != gjson.Null {
			if s := r.String(); s != "" {
				return s
			}
		}
	}
	return ""
}
