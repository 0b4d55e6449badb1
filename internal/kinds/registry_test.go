package kinds

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/record"
)

func TestDefault_DeclaresProjectKinds(t *testing.T) {
	reg, err := Default()
	require.NoError(t, err)

	assert.Equal(t, []string{"Project", "ProjectRoom"}, reg.Names())

	project, ok := reg.Lookup("Project")
	require.True(t, ok)
	assert.Equal(t, "/api/projects/", project.Resource)
	assert.Equal(t, "/api/projects/", project.CollectionURL())
	assert.Equal(t, "/api/projects/p1", project.ItemURL("p1"))
	assert.Equal(t, "/api/projects/p1/data", project.FieldURL("p1", "data"))

	_, ok = reg.Lookup("Invoice")
	assert.False(t, ok)
}

func TestLookup_CaseInsensitive(t *testing.T) {
	reg, err := Default()
	require.NoError(t, err)

	for _, name := range []string{"project", "PROJECT", "pRoJeCt"} {
		k, ok := reg.Lookup(name)
		require.True(t, ok, name)
		assert.Equal(t, "Project", k.Name)
	}
	room, ok := reg.Lookup("projectroom")
	require.True(t, ok)
	assert.Equal(t, "ProjectRoom", room.Name)

	_, ok = reg.Lookup("projects")
	assert.False(t, ok)
}

func TestLookup_FoldClashNeedsExactName(t *testing.T) {
	reg, err := Parse("test.cue", []byte(`
kinds: Note: resource: "/api/notes/"
kinds: NOTE: resource: "/api/shouty-notes/"
`))
	require.NoError(t, err)

	k, ok := reg.Lookup("NOTE")
	require.True(t, ok)
	assert.Equal(t, "/api/shouty-notes/", k.Resource)

	_, ok = reg.Lookup("note")
	assert.False(t, ok, "ambiguous folded name")
}

func TestKind_Validate(t *testing.T) {
	reg, err := Default()
	require.NoError(t, err)
	project, _ := reg.Lookup("Project")

	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{"empty object", `{}`, false},
		{"known fields", `{"id":"p1","name":"Smith residence","data":{"stories":2,"comfortIssueTags":["drafty"]}}`, false},
		{"unknown fields are allowed", `{"id":"p1","color":"blue"}`, false},
		{"extra project data field", `{"data":{"atticType":"vented"}}`, false},
		{"wrong type", `{"name":42}`, true},
		{"wrong nested type", `{"data":{"stories":"two"}}`, true},
		{"bad tag list", `{"data":{"comfortIssueTags":[1,2]}}`, true},
		{"any shape under project data", `{"data":{"heated":true,"attic":{"insulated":false},"readings":[1,"two"]}}`, false},
		{"not an object", `["p1"]`, true},
		{"malformed", `{"name":`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := project.Validate([]byte(tt.payload))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, record.IsValidationError(err), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestKind_ValidateConcurrent(t *testing.T) {
	reg, err := Default()
	require.NoError(t, err)
	room, _ := reg.Lookup("ProjectRoom")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, room.Validate([]byte(`{"id":"r1","width":12.5}`)))
			assert.Error(t, room.Validate([]byte(`{"width":"wide"}`)))
		}()
	}
	wg.Wait()
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"syntax", `kinds: {`},
		{"no kinds", `other: 1`},
		{"empty kinds", `kinds: {}`},
		{"missing resource", `kinds: Note: {schema: {}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("test.cue", []byte(tt.src))
			require.Error(t, err)
			var declErr *DeclError
			assert.ErrorAs(t, err, &declErr)
		})
	}
}

func TestParse_NoSchemaAcceptsAnyObject(t *testing.T) {
	reg, err := Parse("test.cue", []byte(`kinds: Note: resource: "/api/notes/"`))
	require.NoError(t, err)
	note, ok := reg.Lookup("Note")
	require.True(t, ok)
	assert.NoError(t, note.Validate([]byte(`{"anything":[1,"two"]}`)))
	assert.Error(t, note.Validate([]byte(`"text"`)))
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kinds.cue")
	require.NoError(t, os.WriteFile(path, []byte(`
kinds: Note: {
	resource: "/api/notes/"
	schema: title?: string
}
`), 0o644))

	reg, err := Load(path)
	require.NoError(t, err)
	note, _ := reg.Lookup("Note")
	assert.NoError(t, note.Validate([]byte(`{"title":"hi"}`)))
	assert.Error(t, note.Validate([]byte(`{"title":1}`)))

	_, err = Load(filepath.Join(t.TempDir(), "missing.cue"))
	assert.Error(t, err)
}
