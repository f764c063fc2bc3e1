package services

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/huangang/swarmhub/internal/apperrors"
)

// Entries of a transfer bundle.
const (
	BundleMetaFile   = "job.json"
	BundleStdoutFile = "stdout.txt"
	alterationPrefix = "alteration-"
	alterationSuffix = ".txt"
)

// ArtifactName is the bundle entry holding the job's input (pop) or output
// (completion) artifact.
func ArtifactName(jobID uint) string {
	return fmt.Sprintf("%d.fb", jobID)
}

func AlterationFileName(alterationID uint) string {
	return fmt.Sprintf("%s%d%s", alterationPrefix, alterationID, alterationSuffix)
}

// ParseAlterationFileName returns the alteration id of a bundle entry name.
func ParseAlterationFileName(name string) (uint, bool) {
	if !strings.HasPrefix(name, alterationPrefix) || !strings.HasSuffix(name, alterationSuffix) {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, alterationPrefix), alterationSuffix), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

// PopMeta is job.json of a bundle sent to a worker.
type PopMeta struct {
	ID    uint   `json:"id"`
	Name  string `json:"name"`
	Human uint   `json:"human"`
}

// CompletionMeta is job.json of a bundle returned by a worker.
type CompletionMeta struct {
	ID          uint
	Name        string
	Exit        int
	Msec        int64
	Errors      *int
	Alterations []uint
}

type completionDoc struct {
	ID          uint     `json:"id"`
	Name        string   `json:"name"`
	Exit        *flexInt `json:"exit"`
	Msec        *flexInt `json:"msec"`
	Errors      *flexInt `json:"errors,omitempty"`
	Alterations []uint   `json:"alterations,omitempty"`
}

// flexInt accepts a JSON number or a string holding an integer.
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if strings.HasPrefix(s, `"`) {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("not an integer: %s", string(data))
	}
	*f = flexInt(n)
	return nil
}

// ParseCompletionMeta decodes and validates job.json of a completion bundle.
func ParseCompletionMeta(data []byte) (*CompletionMeta, error) {
	var doc completionDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, apperrors.Validation(BundleMetaFile, fmt.Sprintf("malformed %s: %v", BundleMetaFile, err))
	}
	if doc.Exit == nil {
		return nil, apperrors.Validation("exit", "exit is required")
	}
	if doc.Msec == nil {
		return nil, apperrors.Validation("msec", "msec is required")
	}
	meta := &CompletionMeta{
		ID:          doc.ID,
		Name:        doc.Name,
		Exit:        int(*doc.Exit),
		Msec:        int64(*doc.Msec),
		Alterations: doc.Alterations,
	}
	if doc.Errors != nil {
		errs := int(*doc.Errors)
		meta.Errors = &errs
	}
	return meta, nil
}

// MarshalCompletionMeta encodes meta as job.json.
func MarshalCompletionMeta(meta *CompletionMeta) ([]byte, error) {
	exit := flexInt(meta.Exit)
	msec := flexInt(meta.Msec)
	doc := completionDoc{
		ID:          meta.ID,
		Name:        meta.Name,
		Exit:        &exit,
		Msec:        &msec,
		Alterations: meta.Alterations,
	}
	if meta.Errors != nil {
		errs := flexInt(*meta.Errors)
		doc.Errors = &errs
	}
	return json.Marshal(&doc)
}

// WriteBundle writes every file under dir to w as a gzipped tar archive.
func WriteBundle(w io.Writer, dir string) error {
	gzWriter := gzip.NewWriter(w)
	tarWriter := tar.NewWriter(gzWriter)

	if err := archiveDir(tarWriter, dir); err != nil {
		return err
	}
	if err := tarWriter.Close(); err != nil {
		return err
	}
	return gzWriter.Close()
}

// WriteBundleFile is WriteBundle into a new file at path.
func WriteBundleFile(path, dir string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteBundle(f, dir); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func archiveDir(tw *tar.Writer, srcDir string) error {
	return filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("failed to create tar header: %w", err)
		}
		header.Name = filepath.ToSlash(relPath)

		if info.IsDir() {
			return tw.WriteHeader(header)
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("failed to write tar header: %w", err)
		}

		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open file: %w", err)
		}
		defer file.Close()

		if _, err := io.Copy(tw, file); err != nil {
			return fmt.Errorf("failed to write file to tar: %w", err)
		}
		return nil
	})
}

// MaxExtractedSize caps the total size of the files ReadBundle extracts.
const MaxExtractedSize int64 = 2 << 30

// ReadBundle extracts a gzipped tar archive from r into destDir. Entries
// with absolute paths or parent references are rejected as invalid input.
func ReadBundle(r io.Reader, destDir string) error {
	return ReadBundleLimit(r, destDir, MaxExtractedSize)
}

// ReadBundleLimit is ReadBundle with a cap of limit bytes on the extracted
// files. A bundle that expands beyond it is invalid input.
func ReadBundleLimit(r io.Reader, destDir string, limit int64) error {
	gzReader, err := gzip.NewReader(r)
	if err != nil {
		return apperrors.Validation("bundle", fmt.Sprintf("bundle is not gzipped: %v", err))
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	remaining := limit

	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return apperrors.Validation("bundle", fmt.Sprintf("failed to read tar header: %v", err))
		}

		name := filepath.Clean(filepath.FromSlash(header.Name))
		if filepath.IsAbs(header.Name) || name == ".." || strings.HasPrefix(name, ".."+string(filepath.Separator)) {
			return apperrors.Validation("bundle", fmt.Sprintf("invalid path in bundle: %s", header.Name))
		}
		targetPath := filepath.Join(destDir, name)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, 0o755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}

		case tar.TypeReg:
			if header.Size > remaining {
				return tooLarge(limit)
			}
			if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
				return fmt.Errorf("failed to create parent directory: %w", err)
			}
			outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				return fmt.Errorf("failed to create file: %w", err)
			}
			n, err := io.Copy(outFile, io.LimitReader(tarReader, remaining+1))
			if err != nil {
				outFile.Close()
				return apperrors.Validation("bundle", fmt.Sprintf("failed to extract %s: %v", header.Name, err))
			}
			if err := outFile.Close(); err != nil {
				return err
			}
			if n > remaining {
				return tooLarge(limit)
			}
			remaining -= n
		}
	}
}

func tooLarge(limit int64) error {
	return apperrors.Validation("bundle", fmt.Sprintf("bundle expands beyond %d bytes", limit))
}
