package api

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gudn/sdpremote/internal/storage"
)

// scopeNew is the body of scope create and replace: a mapping from object key
// to an uploaded sid, or null for a data-less object.
type scopeNew struct {
	CreatorSuffix string            `json:"creator_suffix"`
	Objects       map[string]*int64 `json:"objects"`
}

func (s scopeNew) dataRefs() map[string]storage.DataRef {
	refs := make(map[string]storage.DataRef, len(s.Objects))
	for key, sid := range s.Objects {
		if sid == nil {
			refs[key] = storage.NoData()
		} else {
			refs[key] = storage.BlobRef(*sid)
		}
	}
	return refs
}

// patchValue is one entry of a patch body: a sid, null, or the string
// "delete".
type patchValue struct {
	del bool
	sid *int64
}

func (p *patchValue) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "null" {
		*p = patchValue{}
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s != "delete" {
			return fmt.Errorf("unknown action %q", s)
		}
		*p = patchValue{del: true}
		return nil
	}
	var sid int64
	if err := json.Unmarshal(b, &sid); err != nil {
		return err
	}
	*p = patchValue{sid: &sid}
	return nil
}

type scopePatch struct {
	CreatorSuffix string                `json:"creator_suffix"`
	Objects       map[string]patchValue `json:"objects"`
}

func (s scopePatch) actions() map[string]storage.PatchAction {
	actions := make(map[string]storage.PatchAction, len(s.Objects))
	for key, v := range s.Objects {
		switch {
		case v.del:
			actions[key] = storage.DeleteAction()
		case v.sid != nil:
			actions[key] = storage.UpsertAction(storage.BlobRef(*v.sid))
		default:
			actions[key] = storage.UpsertAction(storage.NoData())
		}
	}
	return actions
}

// metaPut is the body of a meta upsert: a sid reference, inline base64
// bytes, or neither. Never both.
type metaPut struct {
	SID   *int64  `json:"sid"`
	Value *[]byte `json:"value"`
}

func (m metaPut) dataRef() (storage.DataRef, error) {
	if m.SID != nil && m.Value != nil {
		return storage.DataRef{}, fmt.Errorf("sid and value are mutually exclusive")
	}
	if m.SID != nil {
		return storage.BlobRef(*m.SID), nil
	}
	if m.Value != nil {
		return storage.InlineData(*m.Value), nil
	}
	return storage.NoData(), nil
}

type uploadedResponse struct {
	SID int64 `json:"sid"`
}

// useSuffix records the creator as "<user>@<suffix>" when a non-blank suffix
// was supplied.
func useSuffix(username, suffix string) string {
	suffix = strings.TrimSpace(suffix)
	if suffix != "" {
		return username + "@" + suffix
	}
	return username
}
