package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"
)

// MetadataKind tags which variant of Metadata is populated.
type MetadataKind string

const (
	MetadataNone   MetadataKind = ""
	MetadataImage  MetadataKind = "image"
	MetadataTask   MetadataKind = "task"
	MetadataKV     MetadataKind = "kv"
	MetadataOpaque MetadataKind = "opaque"
)

// Metadata is a tagged union over the known metadata shapes. Exactly one of
// the variant fields is meaningful, selected by Kind. Kinds this version does
// not know are kept verbatim in Opaque and written back unchanged.
type Metadata struct {
	Kind   MetadataKind
	Image  *ImageMetadata
	Task   *TaskMetadata
	Values map[string]json.RawMessage
	Opaque []byte
}

// ImageMetadata describes an image entity, including its binary payload.
type ImageMetadata struct {
	Filename    string          `json:"filename"`
	MimeType    string          `json:"mime_type"`
	Width       uint32          `json:"width"`
	Height      uint32          `json:"height"`
	Description string          `json:"description,omitempty"`
	EXIF        json.RawMessage `json:"exif_data,omitempty"`
	Data        []byte          `json:"image_data,omitempty"`

	// Ghost holds fields written by a newer schema version.
	Ghost map[string]json.RawMessage `json:"-"`
}

// TaskStatus is the lifecycle status of a task entity.
type TaskStatus string

const (
	TaskTodo       TaskStatus = "todo"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
	TaskCancelled  TaskStatus = "cancelled"
)

// TaskMetadata carries task-specific fields.
type TaskMetadata struct {
	Status   TaskStatus `json:"status"`
	Priority string     `json:"priority,omitempty"`
	DueAt    *time.Time `json:"due_at,omitempty"`

	Ghost map[string]json.RawMessage `json:"-"`
}

// ImageMeta wraps m as image metadata.
func ImageMeta(m ImageMetadata) Metadata {
	return Metadata{Kind: MetadataImage, Image: &m}
}

// TaskMeta wraps m as task metadata.
func TaskMeta(m TaskMetadata) Metadata {
	return Metadata{Kind: MetadataTask, Task: &m}
}

// KVMeta builds generic key/value metadata from plain Go values.
func KVMeta(values map[string]any) (Metadata, error) {
	out := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return Metadata{}, fmt.Errorf("metadata key %q: %w", k, err)
		}
		out[k] = raw
	}
	return Metadata{Kind: MetadataKV, Values: out}, nil
}

// OpaqueMeta wraps arbitrary bytes.
func OpaqueMeta(b []byte) Metadata {
	return Metadata{Kind: MetadataOpaque, Opaque: slices.Clone(b)}
}

// IsEmpty reports whether no metadata is attached.
func (m Metadata) IsEmpty() bool {
	return m.Kind == MetadataNone
}

// Known reports whether Kind is one this version understands.
func (m Metadata) Known() bool {
	switch m.Kind {
	case MetadataNone, MetadataImage, MetadataTask, MetadataKV, MetadataOpaque:
		return true
	}
	return false
}

// Clone returns a deep copy.
func (m Metadata) Clone() Metadata {
	c := Metadata{Kind: m.Kind, Opaque: slices.Clone(m.Opaque)}
	if m.Image != nil {
		img := *m.Image
		img.EXIF = slices.Clone(m.Image.EXIF)
		img.Data = slices.Clone(m.Image.Data)
		img.Ghost = cloneRaw(m.Image.Ghost)
		c.Image = &img
	}
	if m.Task != nil {
		task := *m.Task
		if m.Task.DueAt != nil {
			t := *m.Task.DueAt
			task.DueAt = &t
		}
		task.Ghost = cloneRaw(m.Task.Ghost)
		c.Task = &task
	}
	c.Values = cloneRaw(m.Values)
	return c
}

// MarshalJSON writes the variant as a flat object tagged with "kind". Empty
// metadata encodes as null.
func (m Metadata) MarshalJSON() ([]byte, error) {
	switch m.Kind {
	case MetadataNone:
		return []byte("null"), nil
	case MetadataImage:
		if m.Image == nil {
			return nil, fmt.Errorf("image metadata: missing payload")
		}
		type plain ImageMetadata
		return marshalTagged(m.Kind, plain(*m.Image), m.Image.Ghost)
	case MetadataTask:
		if m.Task == nil {
			return nil, fmt.Errorf("task metadata: missing payload")
		}
		type plain TaskMetadata
		return marshalTagged(m.Kind, plain(*m.Task), m.Task.Ghost)
	case MetadataKV:
		return json.Marshal(struct {
			Kind   MetadataKind               `json:"kind"`
			Values map[string]json.RawMessage `json:"values"`
		}{m.Kind, m.Values})
	case MetadataOpaque:
		return json.Marshal(struct {
			Kind MetadataKind `json:"kind"`
			Data []byte       `json:"data"`
		}{m.Kind, m.Opaque})
	default:
		if len(m.Opaque) == 0 {
			return []byte("null"), nil
		}
		return slices.Clone(m.Opaque), nil
	}
}

// UnmarshalJSON decodes any variant. Objects without a "kind" tag are read as
// generic key/value metadata; unknown kinds are preserved verbatim.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	*m = Metadata{}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return fmt.Errorf("metadata: expected object: %w", err)
	}
	if len(fields) == 0 {
		return nil
	}

	rawKind, tagged := fields["kind"]
	if !tagged {
		m.Kind = MetadataKV
		m.Values = fields
		return nil
	}
	var kind MetadataKind
	if err := json.Unmarshal(rawKind, &kind); err != nil {
		return fmt.Errorf("metadata: invalid kind: %w", err)
	}
	delete(fields, "kind")

	switch kind {
	case MetadataImage:
		type plain ImageMetadata
		var img plain
		if err := json.Unmarshal(trimmed, &img); err != nil {
			return fmt.Errorf("image metadata: %w", err)
		}
		out := ImageMetadata(img)
		out.Ghost = ghostFields(fields, imageKeys)
		m.Kind, m.Image = kind, &out
	case MetadataTask:
		type plain TaskMetadata
		var task plain
		if err := json.Unmarshal(trimmed, &task); err != nil {
			return fmt.Errorf("task metadata: %w", err)
		}
		out := TaskMetadata(task)
		out.Ghost = ghostFields(fields, taskKeys)
		m.Kind, m.Task = kind, &out
	case MetadataKV:
		var body struct {
			Values map[string]json.RawMessage `json:"values"`
		}
		if err := json.Unmarshal(trimmed, &body); err != nil {
			return fmt.Errorf("kv metadata: %w", err)
		}
		m.Kind, m.Values = kind, body.Values
	case MetadataOpaque:
		var body struct {
			Data []byte `json:"data"`
		}
		if err := json.Unmarshal(trimmed, &body); err != nil {
			return fmt.Errorf("opaque metadata: %w", err)
		}
		m.Kind, m.Opaque = kind, body.Data
	default:
		m.Kind = kind
		m.Opaque = slices.Clone(trimmed)
	}
	return nil
}

// marshalTagged encodes v as an object, adds the kind tag and merges ghost
// fields that do not collide with known ones.
func marshalTagged(kind MetadataKind, v any, ghost map[string]json.RawMessage) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	for k, g := range ghost {
		if _, taken := obj[k]; !taken && k != "kind" {
			obj[k] = g
		}
	}
	tag, _ := json.Marshal(kind)
	obj["kind"] = tag
	return json.Marshal(obj)
}

// ghostFields returns the entries of fields outside the known schema keys.
func ghostFields(fields map[string]json.RawMessage, known []string) map[string]json.RawMessage {
	var ghost map[string]json.RawMessage
	for k, v := range fields {
		if slices.Contains(known, k) {
			continue
		}
		if ghost == nil {
			ghost = make(map[string]json.RawMessage)
		}
		ghost[k] = v
	}
	return ghost
}

var (
	imageKeys = []string{"filename", "mime_type", "width", "height", "description", "exif_data", "image_data"}
	taskKeys  = []string{"status", "priority", "due_at"}
)

func cloneRaw(in map[string]json.RawMessage) map[string]json.RawMessage {
	if in == nil {
		return nil
	}
	out := maps.Clone(in)
	for k, v := range out {
		out[k] = slices.Clone(v)
	}
	return out
}
