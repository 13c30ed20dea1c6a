package crdt

import (
	"bytes"
	"errors"
	"testing"
)

func mustApply(t *testing.T, document Document, update []byte) {
	t.Helper()
	if err := document.Apply(update); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
}

func mustInsert(t *testing.T, document *BlockDocument, index int, blockType, text string) []byte {
	t.Helper()
	update, err := document.InsertBlock(index, blockType, text)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	return update
}

func TestConcurrentEditsConvergeRegardlessOfOrder(t *testing.T) {
	alice := NewBlockDocument(1)
	bob := NewBlockDocument(2)

	base := mustInsert(t, alice, 0, "scene", "INT. KITCHEN - DAY")
	mustApply(t, bob, base)

	aliceUpdate := mustInsert(t, alice, 1, "action", "Alice enters.")
	bobUpdate := mustInsert(t, bob, 1, "action", "Bob leaves.")
	bobEdit, err := bob.EditBlock(0, "scene", "EXT. GARDEN - NIGHT")
	if err != nil {
		t.Fatalf("edit failed: %v", err)
	}

	mustApply(t, alice, bobUpdate)
	mustApply(t, alice, bobEdit)
	mustApply(t, bob, aliceUpdate)

	if !alice.Content().Equal(bob.Content()) {
		t.Fatalf("documents diverged:\nalice=%v\nbob=%v", alice.Content(), bob.Content())
	}
	if alice.Content().Len() != 3 {
		t.Fatalf("expected 3 blocks, got %d", alice.Content().Len())
	}
	if alice.Content().Blocks[0].Text != "EXT. GARDEN - NIGHT" {
		t.Fatalf("expected edit to win, got %q", alice.Content().Blocks[0].Text)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	author := NewBlockDocument(7)
	first := mustInsert(t, author, 0, "action", "one")
	second := mustInsert(t, author, 1, "action", "two")

	replica := NewBlockDocument(9)
	for _, update := range [][]byte{first, second, first, second} {
		mustApply(t, replica, update)
	}
	full, err := author.EncodeStateAsUpdate(nil)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	replicaFull, err := replica.EncodeStateAsUpdate(nil)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if !bytes.Equal(full, replicaFull) {
		t.Fatalf("expected identical encoded state")
	}
}

func TestEncodeStateAsUpdateReturnsOnlyMissingItems(t *testing.T) {
	server := NewBlockDocument(1)
	client := NewBlockDocument(2)
	shared := mustInsert(t, server, 0, "action", "shared")
	mustApply(t, client, shared)
	mustInsert(t, server, 1, "action", "server only")

	diff, err := server.EncodeStateAsUpdate(client.EncodeStateVector())
	if err != nil {
		t.Fatalf("diff failed: %v", err)
	}
	count, err := UpdateItemCount(diff)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one missing item, got %d", count)
	}
	mustApply(t, client, diff)
	if !client.Content().Equal(server.Content()) {
		t.Fatalf("expected client to catch up")
	}
}

func TestDeleteRemovesBlock(t *testing.T) {
	document := NewBlockDocument(3)
	mustInsert(t, document, 0, "action", "keep")
	mustInsert(t, document, 1, "action", "drop")
	if _, err := document.DeleteBlock(1); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	content := document.Content()
	if content.Len() != 1 || content.Blocks[0].Text != "keep" {
		t.Fatalf("unexpected content after delete: %v", content)
	}
	if _, err := document.DeleteBlock(4); !errors.Is(err, ErrBlockIndex) {
		t.Fatalf("expected index error, got %v", err)
	}
}

func TestFromContentIsDeterministic(t *testing.T) {
	content := Content{Blocks: []Block{
		{Type: "scene", Text: "INT. OFFICE"},
		{Type: "dialogue", Text: "Hello."},
	}}
	engine := NewBlockEngine()
	first, err := engine.FromContent(content)
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	second, err := engine.FromContent(content)
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	firstState, _ := first.EncodeStateAsUpdate(nil)
	secondState, _ := second.EncodeStateAsUpdate(nil)
	if !bytes.Equal(firstState, secondState) {
		t.Fatalf("expected identical seeds")
	}
	mustApply(t, first, secondState)
	if !first.Content().Equal(content) {
		t.Fatalf("merging identical seeds duplicated content: %v", first.Content())
	}
}

func TestApplyRejectsMalformedUpdateWithoutPartialState(t *testing.T) {
	author := NewBlockDocument(5)
	valid := mustInsert(t, author, 0, "action", "ok")
	corrupted := append([]byte{2}, valid[1:]...)

	document := NewBlockDocument(6)
	if err := document.Apply(corrupted); !errors.Is(err, ErrMalformedUpdate) {
		t.Fatalf("expected malformed update error, got %v", err)
	}
	if document.Content().Len() != 0 {
		t.Fatalf("expected no partial application")
	}
	if err := document.Apply(nil); !errors.Is(err, ErrMalformedUpdate) {
		t.Fatalf("expected error for empty payload, got %v", err)
	}
}

func TestEmptyUpdate(t *testing.T) {
	document := NewBlockDocument(1)
	update, err := document.EncodeStateAsUpdate(nil)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if !IsEmptyUpdate(update) {
		t.Fatalf("expected empty update, got %x", update)
	}
	if !bytes.Equal(update, EmptyUpdate()) {
		t.Fatalf("expected canonical empty update")
	}
}

func TestKeyBetweenOrdersKeys(t *testing.T) {
	cases := [][2]string{
		{"", ""},
		{"", "b"},
		{"a", "b"},
		{"n", ""},
		{"zz", ""},
		{"an", "ao"},
		{"aan", "aao"},
	}
	for _, bounds := range cases {
		key := keyBetween(bounds[0], bounds[1])
		if key <= bounds[0] {
			t.Fatalf("key %q not after %q", key, bounds[0])
		}
		if bounds[1] != "" && key >= bounds[1] {
			t.Fatalf("key %q not before %q", key, bounds[1])
		}
	}
	keys := seedKeys(700)
	for index := 1; index < len(keys); index++ {
		if keys[index-1] >= keys[index] {
			t.Fatalf("seed keys out of order at %d: %q >= %q", index, keys[index-1], keys[index])
		}
	}
}

func TestReplaceContentConvergesAcrossReplicas(t *testing.T) {
	engine := NewBlockEngine()
	author := NewBlockDocument(7)
	first := mustInsert(t, author, 0, "scene", "EXT. ROOF")
	second := mustInsert(t, author, 1, "action", "Wind.")

	left := engine.NewDocument()
	right := engine.NewDocument()
	for _, update := range [][]byte{first, second} {
		mustApply(t, left, update)
		mustApply(t, right, update)
	}

	imported := Content{Blocks: []Block{{Type: "scene", Text: "INT. CELLAR"}}}
	leftUpdate, err := engine.ReplaceContent(left, imported)
	if err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	rightUpdate, err := engine.ReplaceContent(right, imported)
	if err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	if !bytes.Equal(leftUpdate, rightUpdate) {
		t.Fatalf("expected identical replacement updates")
	}
	if !left.Content().Equal(imported) {
		t.Fatalf("unexpected content after replace: %v", left.Content())
	}

	mustApply(t, left, rightUpdate)
	if !left.Content().Equal(imported) {
		t.Fatalf("applying a duplicate replacement changed content: %v", left.Content())
	}

	late := engine.NewDocument()
	for _, update := range [][]byte{first, second, leftUpdate} {
		mustApply(t, late, update)
	}
	if !late.Content().Equal(imported) {
		t.Fatalf("replaying history plus replacement diverged: %v", late.Content())
	}
}

func TestReplaceContentRejectsForeignDocument(t *testing.T) {
	if _, err := NewBlockEngine().ReplaceContent(nil, Content{}); !errors.Is(err, ErrForeignDocument) {
		t.Fatalf("expected foreign document error, got %v", err)
	}
}
