// Package archive stores conversation transcripts of closed invoices in an
// S3-compatible bucket.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"creditcontrol/internal/collections"
)

// Config holds the bucket settings.
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	PathStyle bool
	Prefix    string
}

// objectAPI is the part of the S3 client the archiver uses.
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Archiver writes one JSON document per terminal outcome.
type Archiver struct {
	client objectAPI
	bucket string
	prefix string
}

// Document is the archived form of a transcript.
type Document struct {
	InvoiceID  string                `json:"invoice_id"`
	OutcomeID  string                `json:"outcome_id"`
	Action     collections.Action    `json:"action"`
	Rule       collections.Rule      `json:"rule"`
	FromStatus collections.Status    `json:"from_status"`
	ToStatus   collections.Status    `json:"to_status"`
	TicketID   string                `json:"ticket_id,omitempty"`
	ClosedAt   time.Time             `json:"closed_at"`
	Messages   []collections.Message `json:"messages"`
}

// New builds an S3 client from static credentials.
func New(cfg Config) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket cannot be empty")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("S3 credentials not available - set S3_ACCESS_KEY and S3_SECRET_KEY")
	}

	endpoint := cfg.Endpoint
	if endpoint != "" && strings.Contains(endpoint, cfg.Bucket+".") {
		endpoint = strings.Replace(endpoint, cfg.Bucket+".", "", 1)
		log.Warn().
			Str("originalEndpoint", cfg.Endpoint).
			Str("cleanedEndpoint", endpoint).
			Str("bucket", cfg.Bucket).
			Msg("Cleaned bucket name from S3 endpoint - endpoint should not contain bucket name")
	}

	usePathStyle := cfg.PathStyle
	if strings.Contains(cfg.Bucket, ".") {
		usePathStyle = true
		log.Info().Str("bucket", cfg.Bucket).Msg("Bucket name contains dots, forcing path-style URLs to avoid SSL certificate issues")
	}

	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = usePathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	log.Info().
		Str("bucket", cfg.Bucket).
		Str("region", cfg.Region).
		Str("endpoint", endpoint).
		Bool("pathStyle", usePathStyle).
		Msg("Transcript archive initialized")

	return newArchiver(client, cfg.Bucket, cfg.Prefix), nil
}

func newArchiver(client objectAPI, bucket, prefix string) *Archiver {
	return &Archiver{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Key returns the object key of an outcome's transcript:
// <prefix>/<invoice>/<yyyy>/<mm>/<dd>/<outcome>.json, dated by the outcome.
func (a *Archiver) Key(o collections.Outcome) string {
	invoice := cleanSegment(o.InvoiceID)
	if invoice == "" {
		invoice = "unassigned"
	}
	ts := o.Timestamp.UTC()
	key := fmt.Sprintf("%s/%s/%s/%s/%s.json",
		invoice,
		ts.Format("2006"),
		ts.Format("01"),
		ts.Format("02"),
		cleanSegment(o.ID),
	)
	if a.prefix != "" {
		key = a.prefix + "/" + key
	}
	return key
}

// cleanSegment keeps a value from introducing extra path levels.
func cleanSegment(s string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", " ", "_", ":", "_")
	return r.Replace(strings.TrimSpace(s))
}

// ArchiveTranscript uploads the outcome's transcript and returns the object key.
func (a *Archiver) ArchiveTranscript(ctx context.Context, o collections.Outcome) (string, error) {
	if len(o.Transcript) == 0 {
		return "", fmt.Errorf("outcome %s carries no transcript", o.ID)
	}
	doc := Document{
		InvoiceID:  o.InvoiceID,
		OutcomeID:  o.ID,
		Action:     o.Action,
		Rule:       o.Rule,
		FromStatus: o.FromStatus,
		ToStatus:   o.ToStatus,
		TicketID:   o.TicketID,
		ClosedAt:   o.Timestamp.UTC(),
		Messages:   o.Transcript,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal transcript: %w", err)
	}

	key := a.Key(o)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		log.Error().
			Str("invoiceID", o.InvoiceID).
			Str("key", key).
			Str("bucket", a.bucket).
			Int("size", len(data)).
			Err(err).
			Msg("Failed to upload transcript to S3")
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	log.Info().
		Str("invoiceID", o.InvoiceID).
		Str("key", key).
		Str("bucket", a.bucket).
		Int("messages", len(o.Transcript)).
		Msg("Transcript archived")
	return key, nil
}

// Ping checks that the bucket is reachable with the configured credentials.
func (a *Archiver) Ping(ctx context.Context) error {
	_, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(a.bucket),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return fmt.Errorf("list bucket %s: %w", a.bucket, err)
	}
	return nil
}
