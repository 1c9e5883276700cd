package builds

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// buildContext is the composed docker build context: the validated
// source tree with the envconsul binary injected and the chosen
// Dockerfile extended to install it.
type buildContext struct {
	tarball    *bytes.Buffer
	dockerfile string
	procfile   string
}

// composeBuildContext validates the gzipped source tarball and
// rewrites it into a build context. Path traversal and special file
// types are refused outright; a top-level Dockerfile (or
// Dockerfile.cabotage, preferred) and Procfile are required.
func composeBuildContext(r io.Reader, envconsulBinary []byte) (*buildContext, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, &BuildError{Detail: fmt.Sprintf("reading archive: %v", err)}
	}
	defer gz.Close()

	var out bytes.Buffer
	tw := tar.NewWriter(&out)
	tr := tar.NewReader(gz)

	files := make(map[string][]byte)
	var entries []*tar.Header
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &BuildError{Detail: fmt.Sprintf("reading archive: %v", err)}
		}
		normalized := path.Clean(hdr.Name)
		if strings.HasPrefix(normalized, "/") || strings.HasPrefix(normalized, `\`) || strings.HasPrefix(normalized, "..") {
			return nil, &BuildError{Detail: fmt.Sprintf(
				"refusing to touch sketchy tarball, no relative paths outside of root directory allowed %s exits top level directory", hdr.Name)}
		}
		switch hdr.Typeflag {
		case tar.TypeReg, tar.TypeDir:
		default:
			return nil, &BuildError{Detail: fmt.Sprintf(
				"refusing to touch sketchy tarball, only regular files and directories allowed %s is not a regular file or directory", hdr.Name)}
		}
		var content []byte
		if hdr.Typeflag == tar.TypeReg {
			content, err = io.ReadAll(tr)
			if err != nil {
				return nil, &BuildError{Detail: fmt.Sprintf("reading archive member %s: %v", hdr.Name, err)}
			}
		}
		files["./"+strings.TrimPrefix(normalized, "./")] = content
		hdrCopy := *hdr
		entries = append(entries, &hdrCopy)
	}

	dockerfile := "Dockerfile"
	if _, ok := files["./Dockerfile.cabotage"]; ok {
		dockerfile = "Dockerfile.cabotage"
	} else if _, ok := files["./Dockerfile"]; !ok {
		return nil, &BuildError{Detail: "must include a Dockerfile or Dockerfile.cabotage in top level of archive"}
	}
	procfile, ok := files["./Procfile"]
	if !ok {
		return nil, &BuildError{Detail: "must include a Procfile in top level of archive"}
	}

	for _, hdr := range entries {
		name := "./" + strings.TrimPrefix(path.Clean(hdr.Name), "./")
		if name == "./"+dockerfile {
			content := append(files[name], []byte("\nCOPY envconsul-linux-amd64 /usr/bin/envconsul\n")...)
			hdr.Size = int64(len(content))
			files[name] = content
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := tw.Write(files[name]); err != nil {
				return nil, err
			}
		}
	}
	if err := writeFile(tw, "envconsul-linux-amd64", envconsulBinary, 0o755); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buildContext{tarball: &out, dockerfile: dockerfile, procfile: string(procfile)}, nil
}

func writeFile(tw *tar.Writer, name string, content []byte, mode int64) error {
	if err := tw.WriteHeader(&tar.Header{
		Name:     name,
		Mode:     mode,
		Size:     int64(len(content)),
		ModTime:  time.Now(),
		Typeflag: tar.TypeReg,
	}); err != nil {
		return err
	}
	_, err := tw.Write(content)
	return err
}
