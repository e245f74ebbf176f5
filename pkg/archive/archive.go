// Package archive exports completed runs to S3-compatible storage as
// markdown transcripts plus a YAML run manifest.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/valuerank/valuerank/pkg/config"
	"github.com/valuerank/valuerank/pkg/orchestrator"
	"github.com/valuerank/valuerank/pkg/store"
)

const fileVersion = "v0.1"

// s3Client is the subset of the S3 API the archiver uses.
type s3Client interface {
	PutObject(
		ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options),
	) (*s3.PutObjectOutput, error)
}

// Archiver uploads completed runs. It extends the orchestrator's
// archiver contract with a startup connectivity check.
type Archiver interface {
	orchestrator.Archiver

	// Preflight verifies the target bucket is writable.
	Preflight(ctx context.Context) error
}

// s3Archiver implements Archiver against S3-compatible storage.
type s3Archiver struct {
	log    logrus.FieldLogger
	cfg    *config.S3ArchiveConfig
	client s3Client
}

// Ensure interface compliance.
var _ Archiver = (*s3Archiver)(nil)

// NewS3Archiver creates an archiver from the given configuration.
func NewS3Archiver(
	log logrus.FieldLogger,
	cfg *config.S3ArchiveConfig,
) (Archiver, error) {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	client := s3.New(s3.Options{}, opts...)

	return &s3Archiver{
		log:    log.WithField("component", "s3-archiver"),
		cfg:    cfg,
		client: client,
	}, nil
}

// Preflight verifies S3 connectivity by writing a small test object.
func (a *s3Archiver) Preflight(ctx context.Context) error {
	content := fmt.Sprintf(
		"valuerank write test: %s", time.Now().UTC().Format(time.RFC3339),
	)

	if err := a.put(
		ctx, ".valuerank-write-test", content, "text/plain",
	); err != nil {
		return fmt.Errorf("writing test object to s3://%s: %w", a.cfg.Bucket, err)
	}

	return nil
}

// ArchiveRun uploads one markdown file per transcript and a manifest
// describing the run.
func (a *s3Archiver) ArchiveRun(
	ctx context.Context, run *store.Run, transcripts []store.Transcript,
) error {
	prefix := a.resolvePrefix(run.ID)

	for i := range transcripts {
		tr := &transcripts[i]

		key := fmt.Sprintf(
			"%s/transcripts/%s__%s__%d.md",
			prefix, tr.ScenarioID, tr.ModelID, tr.SampleIndex,
		)

		body, err := renderTranscriptMarkdown(run, tr)
		if err != nil {
			return fmt.Errorf("rendering transcript %s: %w", tr.ID, err)
		}

		if err := a.put(ctx, key, body, "text/markdown"); err != nil {
			return fmt.Errorf("uploading transcript %s: %w", tr.ID, err)
		}
	}

	manifest, err := renderRunManifest(run, transcripts)
	if err != nil {
		return fmt.Errorf("rendering manifest: %w", err)
	}

	if err := a.put(
		ctx, prefix+"/manifest.yaml", manifest, "application/yaml",
	); err != nil {
		return fmt.Errorf("uploading manifest: %w", err)
	}

	a.log.WithFields(logrus.Fields{
		"run_id":      run.ID,
		"transcripts": len(transcripts),
		"bucket":      a.cfg.Bucket,
		"prefix":      prefix,
	}).Info("Run archived")

	return nil
}

// put uploads one object.
func (a *s3Archiver) put(
	ctx context.Context, key, body, contentType string,
) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        strings.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("putting s3://%s/%s: %w", a.cfg.Bucket, key, err)
	}

	return nil
}

// resolvePrefix joins the configured prefix with the run directory.
func (a *s3Archiver) resolvePrefix(runID string) string {
	prefix := strings.Trim(a.cfg.Prefix, "/")
	if prefix == "" {
		return runID
	}

	return prefix + "/" + runID
}

// renderTranscriptMarkdown produces one transcript file: YAML
// frontmatter followed by the dialogue.
func renderTranscriptMarkdown(
	run *store.Run, tr *store.Transcript,
) (string, error) {
	frontmatter := map[string]any{
		"file_version": fileVersion,
		"run_id":       run.ID,
		"scenario_id":  tr.ScenarioID,
		"target_model": tr.ModelID,
		"sample_index": tr.SampleIndex,
		"timestamp":    tr.CreatedAt.UTC().Format(time.RFC3339),
	}

	if tr.DecisionCode != nil {
		frontmatter["decision_code"] = *tr.DecisionCode
	}

	header, err := yaml.Marshal(frontmatter)
	if err != nil {
		return "", fmt.Errorf("encoding frontmatter: %w", err)
	}

	subject := tr.ScenarioID
	if scenario := run.Config.DefinitionSnapshot.Scenario(tr.ScenarioID); scenario != nil {
		subject = scenario.Subject
	}

	var b strings.Builder

	b.WriteString("---\n")
	b.Write(header)
	b.WriteString("---\n\n")
	fmt.Fprintf(&b, "# Scenario %s: %s\n\n", tr.ScenarioID, subject)
	b.WriteString("## Dialogue\n\n")

	for _, turn := range tr.Content.Turns {
		if turn.ProbePrompt != "" {
			fmt.Fprintf(&b, "**User:** %s\n\n", turn.ProbePrompt)
		}

		if turn.TargetResponse != "" {
			fmt.Fprintf(&b, "**Target:** %s\n\n", turn.TargetResponse)
		}
	}

	return b.String(), nil
}

// runManifest is the YAML shape of a run's archive manifest.
type runManifest struct {
	RunID        string            `yaml:"run_id"`
	Name         string            `yaml:"name"`
	DefinitionID string            `yaml:"definition_id"`
	Status       string            `yaml:"status"`
	CreatedAt    string            `yaml:"created_at"`
	CompletedAt  string            `yaml:"completed_at,omitempty"`
	RunMode      string            `yaml:"run_mode"`
	Models       []string          `yaml:"models"`
	SampleSeed   *int64            `yaml:"sample_seed,omitempty"`
	ScenarioList []string          `yaml:"scenario_list"`
	Transcripts  int               `yaml:"transcripts"`
	Hashes       map[string]string `yaml:"version_hashes"`
}

// renderRunManifest produces the run-level manifest.
func renderRunManifest(
	run *store.Run, transcripts []store.Transcript,
) (string, error) {
	snapshot := &run.Config.DefinitionSnapshot

	scenarioIDs := make([]string, 0, len(snapshot.Scenarios))
	for _, s := range snapshot.Scenarios {
		scenarioIDs = append(scenarioIDs, s.ID)
	}

	manifest := runManifest{
		RunID:        run.ID,
		Name:         run.Name,
		DefinitionID: run.DefinitionID,
		Status:       string(run.Status),
		CreatedAt:    run.CreatedAt.UTC().Format(time.RFC3339),
		RunMode:      run.Config.RunMode,
		Models:       run.Config.Models,
		SampleSeed:   run.Config.SampleSeed,
		ScenarioList: scenarioIDs,
		Transcripts:  len(transcripts),
		Hashes: map[string]string{
			"preamble": sha256Digest(snapshot.Preamble),
		},
	}

	if run.CompletedAt != nil {
		manifest.CompletedAt = run.CompletedAt.UTC().Format(time.RFC3339)
	}

	out, err := yaml.Marshal(&manifest)
	if err != nil {
		return "", fmt.Errorf("encoding manifest: %w", err)
	}

	return string(out), nil
}

// sha256Digest returns the hex digest of s.
func sha256Digest(s string) string {
	sum := sha256.Sum256([]byte(s))

	return hex.EncodeToString(sum[:])
}
