package engine

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/duparc/duparc/pkg/archive"
	"github.com/duparc/duparc/pkg/dedupe/codec"
	"github.com/duparc/duparc/pkg/dedupe/hash128"
)

func testConfig() Config {
	return Config{
		SmallBlock: 512,
		LargeBlock: 4096,
		Memory:     1 << 20,
		HashSeed:   1,
		CodecLevel: 3,
		Workers:    2,
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(testConfig(), codec.NewZstd(), hash128.NewBlake2b, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func writeFileTree(t *testing.T, root string, files map[string][]byte) {
	t.Helper()
	for rel, data := range files {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
}

func restoreAndCompare(t *testing.T, e *Engine, archivePath string, setIndex int, want map[string][]byte) {
	t.Helper()
	destDir := t.TempDir()
	if err := e.Restore(context.Background(), archivePath, setIndex, destDir); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	for rel, data := range want {
		got, err := os.ReadFile(filepath.Join(destDir, rel))
		if err != nil {
			t.Fatalf("read restored %s: %v", rel, err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("restored %s mismatch: got %d bytes, want %d bytes", rel, len(got), len(data))
		}
	}
}

func TestEngine_Backup_TinyFile(t *testing.T) {
	e := newTestEngine(t)
	srcDir := t.TempDir()
	files := map[string][]byte{"hello.txt": []byte("hello, world")}
	writeFileTree(t, srcDir, files)

	archivePath := filepath.Join(t.TempDir(), "archive.dup")
	if err := e.Backup(context.Background(), archivePath, []string{srcDir}); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	want := map[string][]byte{filepath.Join(filepath.Base(srcDir), "hello.txt"): files["hello.txt"]}
	restoreAndCompare(t, e, archivePath, 0, want)
}

func TestEngine_Backup_ExactDuplicateFiles(t *testing.T) {
	e := newTestEngine(t)
	srcDir := t.TempDir()
	content := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 200)
	writeFileTree(t, srcDir, map[string][]byte{
		"a/one.bin": content,
		"b/two.bin": content,
	})

	archivePath := filepath.Join(t.TempDir(), "archive.dup")
	if err := e.Backup(context.Background(), archivePath, []string{srcDir}); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	base := filepath.Base(srcDir)
	want := map[string][]byte{
		filepath.Join(base, "a/one.bin"): content,
		filepath.Join(base, "b/two.bin"): content,
	}
	restoreAndCompare(t, e, archivePath, 0, want)
}

func TestEngine_Backup_InternalLargeBlockDuplicate(t *testing.T) {
	e := newTestEngine(t)
	srcDir := t.TempDir()

	block := bytes.Repeat([]byte("A"), 4096)
	content := append(append([]byte{}, block...), append([]byte("middle section differs"), block...)...)
	writeFileTree(t, srcDir, map[string][]byte{"big.bin": content})

	archivePath := filepath.Join(t.TempDir(), "archive.dup")
	if err := e.Backup(context.Background(), archivePath, []string{srcDir}); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	want := map[string][]byte{filepath.Join(filepath.Base(srcDir), "big.bin"): content}
	restoreAndCompare(t, e, archivePath, 0, want)
}

func TestEngine_Backup_SmallBlockCoalescing(t *testing.T) {
	e := newTestEngine(t)
	srcDir := t.TempDir()

	var buf bytes.Buffer
	for i := 0; i < 50; i++ {
		buf.WriteString("abcdefghijklmnopqrstuvwxyz0123456789")
	}
	content := buf.Bytes()
	writeFileTree(t, srcDir, map[string][]byte{"repeat.txt": content})

	archivePath := filepath.Join(t.TempDir(), "archive.dup")
	if err := e.Backup(context.Background(), archivePath, []string{srcDir}); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	want := map[string][]byte{filepath.Join(filepath.Base(srcDir), "repeat.txt"): content}
	restoreAndCompare(t, e, archivePath, 0, want)
}

func TestEngine_DifferentialAppend_UnchangedFileFastPath(t *testing.T) {
	e := newTestEngine(t)
	srcDir := t.TempDir()
	content := []byte("file contents that do not change between runs")
	writeFileTree(t, srcDir, map[string][]byte{"steady.txt": content})

	archivePath := filepath.Join(t.TempDir(), "archive.dup")
	if err := e.Backup(context.Background(), archivePath, []string{srcDir}); err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if err := e.DifferentialAppend(context.Background(), archivePath, []string{srcDir}); err != nil {
		t.Fatalf("DifferentialAppend: %v", err)
	}

	want := map[string][]byte{filepath.Join(filepath.Base(srcDir), "steady.txt"): content}
	restoreAndCompare(t, e, archivePath, 0, want)
	restoreAndCompare(t, e, archivePath, 1, want)
}

func TestEngine_DifferentialAppend_ChangedFileReencoded(t *testing.T) {
	e := newTestEngine(t)
	srcDir := t.TempDir()
	writeFileTree(t, srcDir, map[string][]byte{"mutable.txt": []byte("version one")})

	archivePath := filepath.Join(t.TempDir(), "archive.dup")
	if err := e.Backup(context.Background(), archivePath, []string{srcDir}); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	updated := []byte("version two, a little bit longer than before")
	writeFileTree(t, srcDir, map[string][]byte{"mutable.txt": updated})
	if err := e.DifferentialAppend(context.Background(), archivePath, []string{srcDir}); err != nil {
		t.Fatalf("DifferentialAppend: %v", err)
	}

	base := filepath.Base(srcDir)
	restoreAndCompare(t, e, archivePath, 0, map[string][]byte{filepath.Join(base, "mutable.txt"): []byte("version one")})
	restoreAndCompare(t, e, archivePath, 1, map[string][]byte{filepath.Join(base, "mutable.txt"): updated})
}

func TestEngine_Backup_DuplicateOfFastPath(t *testing.T) {
	e := newTestEngine(t)
	srcDir := t.TempDir()
	content := bytes.Repeat([]byte("identical payload across files "), 100)
	writeFileTree(t, srcDir, map[string][]byte{
		"first.bin":  content,
		"second.bin": content,
		"third.bin":  content,
	})

	archivePath := filepath.Join(t.TempDir(), "archive.dup")
	if err := e.Backup(context.Background(), archivePath, []string{srcDir}); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	base := filepath.Base(srcDir)
	want := map[string][]byte{
		filepath.Join(base, "first.bin"):  content,
		filepath.Join(base, "second.bin"): content,
		filepath.Join(base, "third.bin"):  content,
	}
	restoreAndCompare(t, e, archivePath, 0, want)
}

func TestEngine_Backup_DirectoriesAndSymlinksRestored(t *testing.T) {
	e := newTestEngine(t)
	srcDir := t.TempDir()
	writeFileTree(t, srcDir, map[string][]byte{"sub/file.txt": []byte("nested")})
	if err := os.Symlink("file.txt", filepath.Join(srcDir, "sub", "link.txt")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	archivePath := filepath.Join(t.TempDir(), "archive.dup")
	if err := e.Backup(context.Background(), archivePath, []string{srcDir}); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	destDir := t.TempDir()
	if err := e.Restore(context.Background(), archivePath, 0, destDir); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	base := filepath.Base(srcDir)
	if info, err := os.Stat(filepath.Join(destDir, base, "sub")); err != nil || !info.IsDir() {
		t.Fatalf("expected restored sub directory, stat: %v", err)
	}
	target, err := os.Readlink(filepath.Join(destDir, base, "sub", "link.txt"))
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if target != "file.txt" {
		t.Errorf("symlink target = %q, want %q", target, "file.txt")
	}
}

func TestEngine_Restore_IndexOutOfRange(t *testing.T) {
	e := newTestEngine(t)
	srcDir := t.TempDir()
	writeFileTree(t, srcDir, map[string][]byte{"a.txt": []byte("a")})

	archivePath := filepath.Join(t.TempDir(), "archive.dup")
	if err := e.Backup(context.Background(), archivePath, []string{srcDir}); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	if err := e.Restore(context.Background(), archivePath, 5, t.TempDir()); err == nil {
		t.Fatal("expected error for out-of-range backup set index")
	}
}

func TestConfig_ValidateRejectsBadBlockSizes(t *testing.T) {
	cfg := testConfig()
	cfg.LargeBlock = cfg.SmallBlock
	if err := cfg.validate(); err == nil {
		t.Fatal("expected validation error when LargeBlock does not exceed SmallBlock")
	}

	cfg = testConfig()
	cfg.Workers = 0
	if err := cfg.validate(); err == nil {
		t.Fatal("expected validation error for zero workers")
	}
}

func TestEngine_VerifyRestoredContent_MismatchIsChecksumMismatchKind(t *testing.T) {
	e := newTestEngine(t)
	rec := archive.FileRecord{ContentHash: [16]byte{1, 2, 3, 4}}

	err := e.verifyRestoredContent([]byte("reconstructed bytes"), rec, "/tmp/example.txt")
	if err == nil {
		t.Fatal("expected checksum mismatch error")
	}
	var ae *archive.Error
	if !errors.As(err, &ae) {
		t.Fatalf("expected *archive.Error, got %T", err)
	}
	if ae.Kind != archive.KindChecksumMismatch {
		t.Errorf("Kind = %v, want %v", ae.Kind, archive.KindChecksumMismatch)
	}
}

func TestEngine_VerifyRestoredContent_MatchSucceeds(t *testing.T) {
	e := newTestEngine(t)
	data := []byte("exact reconstructed content")

	h := e.factory(e.cfg.HashSeed)
	h.Update(data)
	rec := archive.FileRecord{ContentHash: h.Finalize()}

	if err := e.verifyRestoredContent(data, rec, "/tmp/example.txt"); err != nil {
		t.Errorf("expected matching content hash to pass, got: %v", err)
	}
}
