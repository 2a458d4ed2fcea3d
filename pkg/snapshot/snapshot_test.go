package snapshot

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRankOrdersStatuses(t *testing.T) {
	require.Less(t, Rank("not_started"), Rank("in_progress"))
	require.Less(t, Rank("in_progress"), Rank("failed"))
	require.Less(t, Rank("failed"), Rank("completed"))
	require.Equal(t, Rank("completed"), Rank(" DONE "))
	require.Less(t, Rank("whatever"), Rank("pending"))
	require.Less(t, Rank(nil), Rank("not_started"))

	require.True(t, IsTerminal("completed"))
	require.True(t, IsTerminal("error"))
	require.False(t, IsTerminal("in_progress"))
	require.False(t, IsTerminal(42))
}

func TestEqualIgnoresBookkeepingFields(t *testing.T) {
	a := Snapshot{"id": "s1", "image_url": "X", "updated_at": "2026-01-01"}
	b := Snapshot{"id": "s1", "image_url": "X", "updated_at": "2026-02-02"}
	require.True(t, Equal(a, b, DefaultIgnoredFields))
	require.False(t, Equal(a, b, nil))

	c := Snapshot{"id": "s1", "image_url": "X", "audio_url": nil}
	require.True(t, Equal(a, c, DefaultIgnoredFields))

	d := Snapshot{"id": "s1", "image_url": "Y"}
	require.False(t, Equal(a, d, DefaultIgnoredFields))
}

func TestCloneIsDeep(t *testing.T) {
	orig := Snapshot{"meta": map[string]any{"k": "v"}, "tags": []any{"a"}}
	cp := orig.Clone()
	cp["meta"].(map[string]any)["k"] = "changed"
	cp["tags"].([]any)[0] = "b"
	require.Equal(t, "v", orig["meta"].(map[string]any)["k"])
	require.Equal(t, "a", orig["tags"].([]any)[0])
}

func TestSortSegments(t *testing.T) {
	segs := []Snapshot{
		{"id": "c"},
		{"id": "b", "position": 2.0},
		{"id": "a", "position": 1},
		{"id": "d", "position": "0"},
	}
	SortSegments(segs)
	ids := []string{}
	for _, s := range segs {
		ids = append(ids, s.String("id"))
	}
	require.Equal(t, []string{"d", "a", "b", "c"}, ids)
}

func TestValidateEvent(t *testing.T) {
	ok := ChangeEvent{
		SubjectID:   "seg-1",
		SubjectType: SubjectSubResource,
		Kind:        KindUpdate,
		ResourceID:  "story-1",
		Payload:     Snapshot{"image_status": "completed"},
	}
	require.NoError(t, ok.Validate("story-1"))

	cases := map[string]ChangeEvent{
		"missing subject": {SubjectType: SubjectResource, Kind: KindUpdate, Payload: Snapshot{"a": 1}},
		"bad type":        {SubjectID: "x", SubjectType: "chapter", Kind: KindUpdate, Payload: Snapshot{"a": 1}},
		"bad kind":        {SubjectID: "x", SubjectType: SubjectResource, Kind: "upsert", Payload: Snapshot{"a": 1}},
		"no payload":      {SubjectID: "x", SubjectType: SubjectResource, Kind: KindInsert},
		"no parent":       {SubjectID: "seg", SubjectType: SubjectSubResource, Kind: KindUpdate, Payload: Snapshot{"a": 1}},
		"foreign parent":  {SubjectID: "seg", SubjectType: SubjectSubResource, Kind: KindUpdate, ResourceID: "story-2", Payload: Snapshot{"a": 1}},
	}
	for name, ev := range cases {
		t.Run(name, func(t *testing.T) {
			err := ev.Validate("story-1")
			require.Error(t, err)
			var me *MalformedEventError
			require.True(t, errors.As(err, &me))
		})
	}

	del := ChangeEvent{SubjectID: "story-1", SubjectType: SubjectResource, Kind: KindDelete}
	require.NoError(t, del.Validate("story-1"))
	require.Equal(t, "story-1", del.Parent())
}

func TestDecodeEvent(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"subject_id":"seg-1","subject_type":"sub_resource","kind":"update","resource_id":"story-1","payload":{"image_status":"in_progress","position":3}}`))
	require.NoError(t, err)
	require.Equal(t, SubResourceKey("seg-1"), ev.Key())
	require.Equal(t, "in_progress", ev.Payload.String("image_status"))
	pos, ok := ev.Payload.Number("position")
	require.True(t, ok)
	require.Equal(t, 3.0, pos)

	_, err = DecodeEvent([]byte(`{not json`))
	require.Error(t, err)
	_, err = DecodeEvent(nil)
	require.Error(t, err)
}
