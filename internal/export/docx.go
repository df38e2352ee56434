package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// pandocArgs builds the html -> docx invocation. Output goes to stdout.
func pandocArgs(in workpaper, opts Options) []string {
	args := []string{
		"--from", "html",
		"--to", "docx",
		"--standalone",
		"--metadata", "title=" + in.Title,
	}
	if in.Footer != "" {
		args = append(args, "--metadata", "subject="+in.Footer)
	}
	if opts.ReferenceDOCX != "" {
		args = append(args, "--reference-doc", opts.ReferenceDOCX)
	}
	return append(args, "--output", "-")
}

func renderDOCX(ctx context.Context, in workpaper, opts Options) (*Result, error) {
	if _, err := exec.LookPath("pandoc"); err != nil {
		return nil, fmt.Errorf("%w: pandoc not installed", ErrDOCXDependencyMissing)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.timeout())
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "pandoc", pandocArgs(in, opts)...)
	cmd.Stdin = strings.NewReader(in.HTML)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("pandoc exited %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("run pandoc: %w", err)
	}

	return &Result{
		Data:     stdout.Bytes(),
		Filename: sanitizeFilename(in.Title) + ".docx",
		MimeType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	}, nil
}
