// Package s3archive restores backed-up conversation history from S3. Each
// generation is one object named <prefix>/<YYYY-MM-DD>.json holding a JSON
// array of messages archived that day.
package s3archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"courier/internal/domain"
)

// API is the subset of *s3.Client used here.
type API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type Importer interface {
	// ImportMessages inserts messages that are not stored yet and returns how
	// many were new.
	ImportMessages(ctx context.Context, msgs []domain.StoredMessage) (int, error)
}

type Archive struct {
	S3     API
	Bucket string
	Prefix string
	Store  Importer
	Logger *slog.Logger
}

type generation struct {
	key  string
	date time.Time
}

// RestoreForDate imports generations dated on or before date, newest first,
// stopping at the first one that yields new rows. It returns 0 once nothing
// older is left to import.
func (a *Archive) RestoreForDate(ctx context.Context, date time.Time) (int, error) {
	gens, err := a.generations(ctx)
	if err != nil {
		return 0, err
	}
	end := date.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)

	for _, g := range gens {
		if !g.date.Before(end) {
			continue
		}
		msgs, err := a.fetch(ctx, g.key)
		if err != nil {
			return 0, err
		}
		n, err := a.Store.ImportMessages(ctx, msgs)
		if err != nil {
			return 0, fmt.Errorf("import %s: %w", g.key, err)
		}
		if n > 0 {
			a.logger().Info("archive generation restored", "key", g.key, "imported", n)
			return n, nil
		}
	}
	return 0, nil
}

// generations lists every generation object, newest first.
func (a *Archive) generations(ctx context.Context) ([]generation, error) {
	prefix := a.prefix()
	p := s3.NewListObjectsV2Paginator(a.S3, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.Bucket),
		Prefix: aws.String(prefix),
	})

	var gens []generation
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: list %s: %v", domain.ErrArchive, prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			name := strings.TrimSuffix(strings.TrimPrefix(key, prefix), ".json")
			d, err := time.Parse(time.DateOnly, name)
			if err != nil {
				a.logger().Debug("archive skipping unrecognised object", "key", key)
				continue
			}
			gens = append(gens, generation{key: key, date: d})
		}
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i].date.After(gens[j].date) })
	return gens, nil
}

func (a *Archive) fetch(ctx context.Context, key string) ([]domain.StoredMessage, error) {
	out, err := a.S3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", domain.ErrArchive, key, err)
	}
	defer out.Body.Close()

	var msgs []domain.StoredMessage
	if err := json.NewDecoder(out.Body).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", domain.ErrArchive, key, err)
	}
	return msgs, nil
}

func (a *Archive) prefix() string {
	if a.Prefix == "" {
		return ""
	}
	return strings.TrimSuffix(a.Prefix, "/") + "/"
}

func (a *Archive) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}
