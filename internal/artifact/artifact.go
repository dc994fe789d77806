// Package artifact manages per-job workspaces: staging the input variant file,
// verifying and fingerprinting engine outputs, and removing workspaces.
package artifact

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/exorun/pkg/models"
	"github.com/klauspost/compress/gzip"
)

const (
	inputPlain   = "input.vcf"
	inputGzip    = "input.vcf.gz"
	logFile      = "engine.log"
	sampleFile   = "phenopacket.yml"
	manifestFile = "manifest.json"

	vcfHeaderPrefix = "##fileformat=VCF"
)

var gzipMagic = []byte{0x1f, 0x8b}

var (
	// ErrInvalidInput is matched by every *InputError.
	ErrInvalidInput    = errors.New("invalid input")
	ErrWorkspaceExists = errors.New("workspace already exists")
	ErrOutputNotFound  = errors.New("output not found")
)

// InputError describes why an input file was refused.
type InputError struct {
	Reason string
}

func (e *InputError) Error() string { return "invalid input: " + e.Reason }

func (e *InputError) Is(target error) bool { return target == ErrInvalidInput }

// MissingOutputsError lists expected outputs that were absent or empty after the engine exited.
type MissingOutputsError struct {
	Missing []string
}

func (e *MissingOutputsError) Error() string {
	return "missing or empty outputs: " + strings.Join(e.Missing, ", ")
}

// Workspace is the directory exclusively owned by one job.
type Workspace struct {
	JobID      uuid.UUID
	Dir        string
	LogPath    string
	SamplePath string
}

// Manifest is written next to the outputs once a job completes.
type Manifest struct {
	JobID       uuid.UUID         `json:"job_id"`
	FinalizedAt time.Time         `json:"finalized_at"`
	Artifacts   []models.Artifact `json:"artifacts"`
}

// Store lays out workspaces under a single root directory.
type Store struct {
	root    string
	outputs []string
}

// NewStore creates root if needed. outputs are the file names the engine must
// leave in the workspace for a job to complete.
func NewStore(root string, outputs []string) (*Store, error) {
	if len(outputs) == 0 {
		return nil, fmt.Errorf("artifact store needs at least one expected output")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact root: %w", err)
	}
	return &Store{root: abs, outputs: append([]string(nil), outputs...)}, nil
}

// ExpectedOutputs returns the output file names checked by Finalize.
func (s *Store) ExpectedOutputs() []string {
	return append([]string(nil), s.outputs...)
}

func (s *Store) workspace(jobID uuid.UUID) *Workspace {
	dir := filepath.Join(s.root, jobID.String())
	return &Workspace{
		JobID:      jobID,
		Dir:        dir,
		LogPath:    filepath.Join(dir, logFile),
		SamplePath: filepath.Join(dir, sampleFile),
	}
}

// Allocate creates the workspace for jobID. It fails if the directory already exists.
func (s *Store) Allocate(jobID uuid.UUID) (*Workspace, error) {
	if jobID == uuid.Nil {
		return nil, fmt.Errorf("allocate workspace: nil job id")
	}
	ws := s.workspace(jobID)
	if err := os.Mkdir(ws.Dir, 0o750); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrWorkspaceExists, ws.Dir)
		}
		return nil, fmt.Errorf("allocate workspace: %w", err)
	}
	return ws, nil
}

// Open returns the workspace of an existing job.
func (s *Store) Open(jobID uuid.UUID) (*Workspace, error) {
	ws := s.workspace(jobID)
	info, err := os.Stat(ws.Dir)
	if err != nil {
		return nil, fmt.Errorf("open workspace: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("open workspace: %s is not a directory", ws.Dir)
	}
	return ws, nil
}

// StageInput copies r into the workspace as input.vcf or input.vcf.gz, depending
// on the gzip signature, and checks that the result is a non-empty VCF.
// It returns the staged path.
func (s *Store) StageInput(ws *Workspace, r io.Reader, maxBytes int64) (string, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(len(gzipMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return "", &InputError{Reason: "unreadable: " + err.Error()}
	}
	if len(head) == 0 {
		return "", &InputError{Reason: "file is empty"}
	}

	name := inputPlain
	compressed := bytes.Equal(head, gzipMagic)
	if compressed {
		name = inputGzip
	}
	dst := filepath.Join(ws.Dir, name)

	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return "", fmt.Errorf("create staged input: %w", err)
	}
	n, copyErr := io.Copy(f, io.LimitReader(br, maxBytes+1))
	closeErr := f.Close()
	if copyErr != nil {
		return "", &InputError{Reason: "unreadable: " + copyErr.Error()}
	}
	if closeErr != nil {
		return "", fmt.Errorf("close staged input: %w", closeErr)
	}
	if n > maxBytes {
		return "", &InputError{Reason: fmt.Sprintf("file exceeds %d bytes", maxBytes)}
	}

	if err := checkVCFHeader(dst, compressed); err != nil {
		return "", err
	}
	return dst, nil
}

// StageInputFile stages a file already present on the server's filesystem.
func (s *Store) StageInputFile(ws *Workspace, src string, maxBytes int64) (string, error) {
	f, err := os.Open(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", &InputError{Reason: "file not found"}
		}
		return "", &InputError{Reason: "unreadable: " + err.Error()}
	}
	defer f.Close()
	return s.StageInput(ws, f, maxBytes)
}

func checkVCFHeader(path string, compressed bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("reopen staged input: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if compressed {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return &InputError{Reason: "corrupt gzip stream"}
		}
		defer gz.Close()
		r = gz
	}

	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return &InputError{Reason: "unreadable: " + err.Error()}
	}
	if strings.TrimSpace(line) == "" {
		return &InputError{Reason: "file is empty"}
	}
	if !strings.HasPrefix(line, vcfHeaderPrefix) {
		return &InputError{Reason: "not a VCF file (missing ##fileformat header)"}
	}
	return nil
}

// Finalize verifies every expected output exists and is non-empty, records
// its size and SHA-256, and writes manifest.json.
func (s *Store) Finalize(ws *Workspace) (*Manifest, error) {
	var missing []string
	var artifacts []models.Artifact
	for _, name := range s.outputs {
		path := filepath.Join(ws.Dir, name)
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
			missing = append(missing, name)
			continue
		}
		sum, err := fileSHA256(path)
		if err != nil {
			return nil, fmt.Errorf("hash output %s: %w", name, err)
		}
		artifacts = append(artifacts, models.Artifact{
			Name:      name,
			Path:      path,
			SizeBytes: info.Size(),
			SHA256:    sum,
		})
	}
	if len(missing) > 0 {
		return nil, &MissingOutputsError{Missing: missing}
	}

	m := &Manifest{JobID: ws.JobID, FinalizedAt: time.Now().UTC(), Artifacts: artifacts}
	if err := writeJSONAtomic(filepath.Join(ws.Dir, manifestFile), m); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	return m, nil
}

// ReadManifest loads the manifest of a finalized workspace.
func (s *Store) ReadManifest(jobID uuid.UUID) (*Manifest, error) {
	b, err := os.ReadFile(filepath.Join(s.workspace(jobID).Dir, manifestFile))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// OpenOutput opens a finalized output by name. Only names listed in the
// manifest can be opened.
func (s *Store) OpenOutput(jobID uuid.UUID, name string) (*os.File, models.Artifact, error) {
	m, err := s.ReadManifest(jobID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, models.Artifact{}, ErrOutputNotFound
		}
		return nil, models.Artifact{}, err
	}
	for _, a := range m.Artifacts {
		if a.Name != name {
			continue
		}
		f, err := os.Open(filepath.Join(s.workspace(jobID).Dir, a.Name))
		if err != nil {
			return nil, models.Artifact{}, fmt.Errorf("open output: %w", err)
		}
		return f, a, nil
	}
	return nil, models.Artifact{}, ErrOutputNotFound
}

// CopyInput stages the input of an earlier job into ws, keeping its compression.
func (s *Store) CopyInput(srcPath string, ws *Workspace) (string, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("open source input: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat source input: %w", err)
	}
	return s.StageInput(ws, f, info.Size())
}

// Purge removes the workspace of jobID and everything in it.
func (s *Store) Purge(jobID uuid.UUID) error {
	if jobID == uuid.Nil {
		return fmt.Errorf("purge workspace: nil job id")
	}
	if err := os.RemoveAll(s.workspace(jobID).Dir); err != nil {
		return fmt.Errorf("purge workspace: %w", err)
	}
	return nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeJSONAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".manifest-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

var versionSuffix = regexp.MustCompile(`^(.+?)_v\d+`)

// CleanInputName turns an uploaded file name into the display name kept on the
// job: the extension and anything from a _v<N> version marker on are dropped,
// and .vcf is appended.
//
//	PWES_25387814_SUG_VCF_v1_Non-Filtered_2025-09-23_04-22-30.vcf -> PWES_25387814_SUG_VCF.vcf
func CleanInputName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "" || name == "." || name == "/" {
		return ""
	}
	name = strings.TrimSuffix(name, ".gz")
	base := strings.TrimSuffix(name, filepath.Ext(name))
	if m := versionSuffix.FindStringSubmatch(base); m != nil {
		base = m[1]
	}
	if base == "" {
		return ""
	}
	return base + ".vcf"
}
