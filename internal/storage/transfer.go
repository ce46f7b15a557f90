package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

const (
	// MultipartThreshold is the largest file uploaded with a single put.
	MultipartThreshold int64 = 30 << 20
	// PartSize is the size of every multipart part except possibly the last.
	PartSize int64 = 5 << 20
)

const (
	ContentTypeGzip = "application/gzip"
	ContentTypeJSON = "application/json"
)

// Strategy is the upload path taken for a file.
type Strategy string

const (
	StrategySingle    Strategy = "single"
	StrategyMultipart Strategy = "multipart"
)

// UploadResult describes a completed upload.
type UploadResult struct {
	Strategy Strategy
	Parts    int
	Size     int64
}

// Transfer moves backup artifacts and index objects in and out of a bucket.
type Transfer struct {
	api       ObjectAPI
	logger    zerolog.Logger
	threshold int64
	partSize  int64
}

func NewTransfer(api ObjectAPI, logger zerolog.Logger) *Transfer {
	return &Transfer{
		api:       api,
		logger:    logger.With().Str("component", "transfer").Logger(),
		threshold: MultipartThreshold,
		partSize:  PartSize,
	}
}

// Upload sends the file at path to bucket/key. Files up to MultipartThreshold
// go in one put; larger files use a multipart upload that is aborted on any
// failure before the error is returned.
func (t *Transfer) Upload(ctx context.Context, bucket, key, path, contentType string) (UploadResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return UploadResult{}, fmt.Errorf("stat %s: %w", path, err)
	}

	if info.Size() > t.threshold {
		return t.uploadMultipart(ctx, bucket, key, path, contentType, info.Size())
	}
	return t.uploadSingle(ctx, bucket, key, path, contentType)
}

func (t *Transfer) uploadSingle(ctx context.Context, bucket, key, path, contentType string) (UploadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return UploadResult{}, fmt.Errorf("read %s: %w", path, err)
	}

	_, err = t.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return UploadResult{}, newTransferError("put", key, err)
	}

	uploadBytesTotal.WithLabelValues(string(StrategySingle)).Add(float64(len(data)))
	t.logger.Debug().Str("key", key).Int("bytes", len(data)).Msg("uploaded object")
	return UploadResult{Strategy: StrategySingle, Parts: 1, Size: int64(len(data))}, nil
}

func (t *Transfer) uploadMultipart(ctx context.Context, bucket, key, path, contentType string, size int64) (UploadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return UploadResult{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	created, err := t.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return UploadResult{}, newTransferError("create multipart upload", key, err)
	}
	uploadID := aws.ToString(created.UploadId)

	parts, err := t.uploadParts(ctx, bucket, key, uploadID, bufio.NewReader(f))
	if err != nil {
		t.abort(ctx, bucket, key, uploadID)
		return UploadResult{}, err
	}

	_, err = t.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		t.abort(ctx, bucket, key, uploadID)
		return UploadResult{}, newTransferError("complete multipart upload", key, err)
	}

	uploadBytesTotal.WithLabelValues(string(StrategyMultipart)).Add(float64(size))
	t.logger.Debug().Str("key", key).Int64("bytes", size).Int("parts", len(parts)).Msg("uploaded object in parts")
	return UploadResult{Strategy: StrategyMultipart, Parts: len(parts), Size: size}, nil
}

// uploadParts reads r in PartSize chunks and uploads each as the next part.
// Parts are numbered from 1 in file order. The returned list is ascending.
func (t *Transfer) uploadParts(ctx context.Context, bucket, key, uploadID string, r io.Reader) ([]types.CompletedPart, error) {
	var parts []types.CompletedPart
	buf := make([]byte, t.partSize)
	partNumber := int32(1)

	for {
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			out, err := t.api.UploadPart(ctx, &s3.UploadPartInput{
				Bucket:        aws.String(bucket),
				Key:           aws.String(key),
				UploadId:      aws.String(uploadID),
				PartNumber:    aws.Int32(partNumber),
				Body:          bytes.NewReader(buf[:n]),
				ContentLength: aws.Int64(int64(n)),
			})
			if err != nil {
				return nil, newTransferError(fmt.Sprintf("upload part %d", partNumber), key, err)
			}
			parts = append(parts, types.CompletedPart{
				ETag:       out.ETag,
				PartNumber: aws.Int32(partNumber),
			})
			multipartPartsTotal.Inc()
			partNumber++
		}

		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			return parts, nil
		}
		if readErr != nil {
			return nil, fmt.Errorf("read part %d of %s: %w", partNumber, key, readErr)
		}
	}
}

// abort cancels an open multipart upload. Failures are logged only so the
// caller's original error is what gets reported.
func (t *Transfer) abort(ctx context.Context, bucket, key, uploadID string) {
	_, err := t.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		t.logger.Error().Err(newTransferError("abort multipart upload", key, err)).
			Str("key", key).Str("upload_id", uploadID).Msg("failed to abort multipart upload")
		return
	}
	t.logger.Warn().Str("key", key).Str("upload_id", uploadID).Msg("aborted multipart upload")
}

// DownloadGzip fetches bucket/key into memory and writes the decompressed
// contents to dst. It returns the number of decompressed bytes written.
func (t *Transfer) DownloadGzip(ctx context.Context, bucket, key string, dst io.Writer) (int64, error) {
	data, err := t.get(ctx, bucket, key)
	if err != nil {
		return 0, err
	}

	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("open gzip stream %s: %w", key, err)
	}
	defer zr.Close()

	n, err := io.Copy(dst, zr)
	if err != nil {
		return n, fmt.Errorf("decompress %s: %w", key, err)
	}
	return n, nil
}

// PutJSON marshals v and stores it at bucket/key.
func (t *Transfer) PutJSON(ctx context.Context, bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	_, err = t.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(ContentTypeJSON),
	})
	if err != nil {
		return newTransferError("put", key, err)
	}
	return nil
}

// GetJSON fetches bucket/key and unmarshals it into v. A missing object
// yields an error for which IsNotFound is true.
func (t *Transfer) GetJSON(ctx context.Context, bucket, key string, v any) error {
	data, err := t.get(ctx, bucket, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

// Delete removes bucket/key.
func (t *Transfer) Delete(ctx context.Context, bucket, key string) error {
	_, err := t.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return newTransferError("delete", key, err)
	}
	return nil
}

func (t *Transfer) get(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := t.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, newTransferError("get", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, newTransferError("read body", key, err)
	}
	return data, nil
}
