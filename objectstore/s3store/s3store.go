// Package s3store implements objectstore.Adapter against a real
// S3-compatible backend, using aws-sdk-go-v2's service/s3 client.
//
// grounded on nabbar-golib/aws/configAws's GetConfig (LoadDefaultConfig +
// an optional static credentials override) and its object/multipart.go
// package (List/Get/Head/Put and the transparent multipart split), adapted
// from a fluent multi-bucket client wrapper onto the fixed
// Handle(ctx, *objectstore.Request) (*objectstore.Response, error)
// boundary spec §6 names.
package s3store

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	sdkconfig "github.com/aws/aws-sdk-go-v2/config"
	sdkcredentials "github.com/aws/aws-sdk-go-v2/credentials"
	sdks3 "github.com/aws/aws-sdk-go-v2/service/s3"
	sdktypes "github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/ferrors"
	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/objectstore"
)

// partSize and minPartSize implement spec §6's PUT bullet: "split incoming
// stream into 10 MiB parts (minimum 5 MiB per part)".
const (
	singleShotLimit = 50 << 20 // 50 MiB
	partSize        = 10 << 20 // 10 MiB
	minPartSize     = 5 << 20  // 5 MiB
)

// Config describes how to reach one S3-compatible backend and which
// bucket name is used when no bucket prefix is present in the path.
type Config struct {
	Endpoint       string
	Region         string
	DefaultBucket  string
	AccessKey      string
	SecretKey      string
	KnownBuckets   []string // bucket names recognized as a path prefix
}

// Adapter implements objectstore.Adapter against one S3-compatible
// backend, covering every operation spec §6 lists.
type Adapter struct {
	client        *sdks3.Client
	defaultBucket string
	knownBuckets  map[string]bool
	logger        *slog.Logger
}

// New constructs an Adapter. An empty AccessKey/SecretKey pair falls back
// to the default AWS credential chain (environment, shared config file,
// instance role), mirroring configAws.GetConfig's "only override
// Credentials when both are non-empty" behavior.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Adapter, error) {
	awsCfg, err := sdkconfig.LoadDefaultConfig(ctx, sdkconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("s3store: loading base aws config: %w", err)
	}

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg.Credentials = sdkcredentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	}

	client := sdks3.NewFromConfig(awsCfg, func(o *sdks3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = sdkaws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	known := make(map[string]bool, len(cfg.KnownBuckets))
	for _, b := range cfg.KnownBuckets {
		known[b] = true
	}

	return &Adapter{client: client, defaultBucket: cfg.DefaultBucket, knownBuckets: known, logger: logger}, nil
}

// Handle implements objectstore.Adapter, dispatching on method and query
// exactly as spec §6 enumerates.
func (a *Adapter) Handle(ctx context.Context, req *objectstore.Request) (*objectstore.Response, error) {
	bucket, key := a.routeBucket(req.Path)

	switch {
	case req.Method == http.MethodGet && key == "":
		return a.list(ctx, bucket, req.Query)
	case req.Method == http.MethodGet:
		return a.get(ctx, bucket, key, req.Header)
	case req.Method == http.MethodHead:
		return a.head(ctx, bucket, key, req.Header)
	case req.Method == http.MethodPut && req.Query.Has("uploadId") && req.Query.Has("partNumber"):
		return a.uploadPart(ctx, bucket, key, req)
	case req.Method == http.MethodPut:
		return a.put(ctx, bucket, key, req)
	case req.Method == http.MethodPost && req.Query.Has("uploads"):
		return a.initiateMultipart(ctx, bucket, key)
	case req.Method == http.MethodPost && req.Query.Has("uploadId"):
		return a.completeMultipart(ctx, bucket, key, req)
	case req.Method == http.MethodDelete && req.Query.Has("uploadId"):
		return a.abortMultipart(ctx, bucket, key, req.Query.Get("uploadId"))
	case req.Method == http.MethodDelete:
		return a.deleteObject(ctx, bucket, key)
	default:
		return errorResponse(http.StatusMethodNotAllowed, objectstore.ErrCodeInternal, "unsupported method/query combination"), nil
	}
}

// routeBucket implements spec §6's path routing: "if the path begins with
// /<known-bucket-name>/..., strip that prefix and route to the named
// bucket; else use a default."
func (a *Adapter) routeBucket(path string) (bucket, key string) {
	trimmed := strings.TrimPrefix(path, "/")
	first, rest, found := strings.Cut(trimmed, "/")
	if found && a.knownBuckets[first] {
		return first, rest
	}
	return a.defaultBucket, trimmed
}

func (a *Adapter) list(ctx context.Context, bucket string, query map[string][]string) (*objectstore.Response, error) {
	in := &sdks3.ListObjectsV2Input{Bucket: sdkaws.String(bucket)}
	if v := first(query, "prefix"); v != "" {
		in.Prefix = sdkaws.String(v)
	}
	if v := first(query, "delimiter"); v != "" {
		in.Delimiter = sdkaws.String(v)
	}
	if v := first(query, "continuation-token"); v != "" {
		in.ContinuationToken = sdkaws.String(v)
	}
	if v := first(query, "max-keys"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			in.MaxKeys = sdkaws.Int32(int32(n))
		}
	}

	out, err := a.client.ListObjectsV2(ctx, in)
	if err != nil {
		return nil, a.wrapAWSErr("list", err)
	}

	result := objectstore.ListBucketResult{
		Name:                  bucket,
		Prefix:                sdkaws.ToString(in.Prefix),
		Delimiter:             sdkaws.ToString(in.Delimiter),
		MaxKeys:               int(sdkaws.ToInt32(in.MaxKeys)),
		KeyCount:              int(out.KeyCount),
		IsTruncated:           sdkaws.ToBool(out.IsTruncated),
		ContinuationToken:     sdkaws.ToString(in.ContinuationToken),
		NextContinuationToken: sdkaws.ToString(out.NextContinuationToken),
	}
	for _, obj := range out.Contents {
		result.Contents = append(result.Contents, objectstore.ListBucketItem{
			Key:          sdkaws.ToString(obj.Key),
			LastModified: formatTime(obj.LastModified),
			ETag:         sdkaws.ToString(obj.ETag),
			Size:         sdkaws.ToInt64(obj.Size),
		})
	}
	for _, cp := range out.CommonPrefixes {
		result.CommonPrefixes = append(result.CommonPrefixes, objectstore.CommonPrefix{Prefix: sdkaws.ToString(cp.Prefix)})
	}

	return xmlResponse(http.StatusOK, result), nil
}

func (a *Adapter) get(ctx context.Context, bucket, key string, header http.Header) (*objectstore.Response, error) {
	in := &sdks3.GetObjectInput{Bucket: sdkaws.String(bucket), Key: sdkaws.String(key)}
	if v := header.Get("If-Match"); v != "" {
		in.IfMatch = sdkaws.String(v)
	}
	if v := header.Get("If-None-Match"); v != "" {
		in.IfNoneMatch = sdkaws.String(v)
	}

	out, err := a.client.GetObject(ctx, in)
	if err != nil {
		if isPreconditionFailed(err) {
			return errorResponse(http.StatusPreconditionFailed, objectstore.ErrCodePreconditionFailed, "ETag precondition failed"), nil
		}
		if isNotModified(err) {
			return &objectstore.Response{StatusCode: http.StatusNotModified, Header: make(http.Header), ContentLength: 0}, nil
		}
		if isNotFound(err) {
			return noSuchKeyResponse(key), nil
		}
		return nil, a.wrapAWSErr("get", err)
	}

	resp := &objectstore.Response{
		StatusCode:    http.StatusOK,
		Header:        objectHeaders(out.ContentType, out.ContentLength, out.ETag, out.LastModified, out.Metadata),
		Body:          out.Body,
		ContentLength: sdkaws.ToInt64(out.ContentLength),
	}
	return resp, nil
}

func (a *Adapter) head(ctx context.Context, bucket, key string, header http.Header) (*objectstore.Response, error) {
	in := &sdks3.HeadObjectInput{Bucket: sdkaws.String(bucket), Key: sdkaws.String(key)}
	if v := header.Get("If-Match"); v != "" {
		in.IfMatch = sdkaws.String(v)
	}
	if v := header.Get("If-None-Match"); v != "" {
		in.IfNoneMatch = sdkaws.String(v)
	}

	out, err := a.client.HeadObject(ctx, in)
	if err != nil {
		if isPreconditionFailed(err) {
			return errorResponse(http.StatusPreconditionFailed, objectstore.ErrCodePreconditionFailed, "ETag precondition failed"), nil
		}
		if isNotModified(err) {
			return &objectstore.Response{StatusCode: http.StatusNotModified, Header: make(http.Header), ContentLength: 0}, nil
		}
		if isNotFound(err) {
			return noSuchKeyResponse(key), nil
		}
		return nil, a.wrapAWSErr("head", err)
	}

	return &objectstore.Response{
		StatusCode:    http.StatusOK,
		Header:        objectHeaders(out.ContentType, out.ContentLength, out.ETag, out.LastModified, out.Metadata),
		ContentLength: 0,
	}, nil
}

func (a *Adapter) put(ctx context.Context, bucket, key string, req *objectstore.Request) (*objectstore.Response, error) {
	if req.ContentLength >= 0 && req.ContentLength <= singleShotLimit {
		return a.putSingleShot(ctx, bucket, key, req)
	}
	return a.putMultipart(ctx, bucket, key, req.Body)
}

func (a *Adapter) putSingleShot(ctx context.Context, bucket, key string, req *objectstore.Request) (*objectstore.Response, error) {
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("s3store: reading request body: %w", err)
	}
	sum := md5.Sum(data)

	out, err := a.client.PutObject(ctx, &sdks3.PutObjectInput{
		Bucket:     sdkaws.String(bucket),
		Key:        sdkaws.String(key),
		Body:       bytes.NewReader(data),
		ContentMD5: sdkaws.String(base64.StdEncoding.EncodeToString(sum[:])),
		Metadata:   map[string]string{"md5": fmt.Sprintf("%x", sum)},
	})
	if err != nil {
		return nil, a.wrapAWSErr("put", err)
	}

	header := make(http.Header)
	header.Set("ETag", sdkaws.ToString(out.ETag))
	return &objectstore.Response{StatusCode: http.StatusNoContent, Header: header, ContentLength: 0}, nil
}

// putMultipart implements spec §6's transparent multipart split: "create
// upload, split incoming stream into 10 MiB parts (minimum 5 MiB per
// part), upload each, complete with the collected part list; on any
// failure abort the upload."
func (a *Adapter) putMultipart(ctx context.Context, bucket, key string, body io.Reader) (*objectstore.Response, error) {
	created, err := a.client.CreateMultipartUpload(ctx, &sdks3.CreateMultipartUploadInput{
		Bucket: sdkaws.String(bucket),
		Key:    sdkaws.String(key),
	})
	if err != nil {
		return nil, a.wrapAWSErr("create multipart upload", err)
	}
	uploadID := created.UploadId

	var parts []sdktypes.CompletedPart
	partNum := int32(1)
	buf := make([]byte, partSize)

	for {
		// io.ReadFull fills buf completely (n == partSize, err == nil)
		// except on the final, possibly-short part, where it returns
		// io.ErrUnexpectedEOF (some bytes) or io.EOF (none) alongside a
		// partial n. a fully empty final read closes the loop without an
		// upload call.
		n, readErr := io.ReadFull(body, buf)
		if n == 0 && readErr != nil {
			break
		}
		chunk := buf[:n]

		out, uploadErr := a.client.UploadPart(ctx, &sdks3.UploadPartInput{
			Bucket:     sdkaws.String(bucket),
			Key:        sdkaws.String(key),
			UploadId:   uploadID,
			PartNumber: sdkaws.Int32(partNum),
			Body:       bytes.NewReader(chunk),
		})
		if uploadErr != nil {
			a.abortAndLog(ctx, bucket, key, uploadID)
			return nil, a.wrapAWSErr("upload part", uploadErr)
		}

		parts = append(parts, sdktypes.CompletedPart{PartNumber: sdkaws.Int32(partNum), ETag: out.ETag})
		partNum++

		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			a.abortAndLog(ctx, bucket, key, uploadID)
			return nil, fmt.Errorf("s3store: reading multipart body: %w", readErr)
		}
	}

	out, err := a.client.CompleteMultipartUpload(ctx, &sdks3.CompleteMultipartUploadInput{
		Bucket:          sdkaws.String(bucket),
		Key:             sdkaws.String(key),
		UploadId:        uploadID,
		MultipartUpload: &sdktypes.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		a.abortAndLog(ctx, bucket, key, uploadID)
		return nil, a.wrapAWSErr("complete multipart upload", err)
	}

	header := make(http.Header)
	header.Set("ETag", sdkaws.ToString(out.ETag))
	return &objectstore.Response{StatusCode: http.StatusNoContent, Header: header, ContentLength: 0}, nil
}

func (a *Adapter) abortAndLog(ctx context.Context, bucket, key string, uploadID *string) {
	if _, err := a.client.AbortMultipartUpload(ctx, &sdks3.AbortMultipartUploadInput{
		Bucket: sdkaws.String(bucket), Key: sdkaws.String(key), UploadId: uploadID,
	}); err != nil {
		a.logger.Warn("s3store: aborting failed multipart upload also failed", "bucket", bucket, "key", key, "error", err)
	}
}

func (a *Adapter) initiateMultipart(ctx context.Context, bucket, key string) (*objectstore.Response, error) {
	out, err := a.client.CreateMultipartUpload(ctx, &sdks3.CreateMultipartUploadInput{
		Bucket: sdkaws.String(bucket),
		Key:    sdkaws.String(key),
	})
	if err != nil {
		return nil, a.wrapAWSErr("initiate multipart upload", err)
	}
	result := objectstore.InitiateMultipartUploadResult{Bucket: bucket, Key: key, UploadID: sdkaws.ToString(out.UploadId)}
	return xmlResponse(http.StatusOK, result), nil
}

func (a *Adapter) uploadPart(ctx context.Context, bucket, key string, req *objectstore.Request) (*objectstore.Response, error) {
	partNumber, err := strconv.Atoi(req.Query.Get("partNumber"))
	if err != nil || partNumber < 1 || partNumber > 10000 {
		return errorResponse(http.StatusBadRequest, objectstore.ErrCodeInternal, "partNumber must be between 1 and 10000"), nil
	}

	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("s3store: reading part body: %w", err)
	}

	out, err := a.client.UploadPart(ctx, &sdks3.UploadPartInput{
		Bucket:     sdkaws.String(bucket),
		Key:        sdkaws.String(key),
		UploadId:   sdkaws.String(req.Query.Get("uploadId")),
		PartNumber: sdkaws.Int32(int32(partNumber)),
		Body:       bytes.NewReader(data),
	})
	if err != nil {
		return nil, a.wrapAWSErr("upload part", err)
	}

	header := make(http.Header)
	header.Set("ETag", sdkaws.ToString(out.ETag))
	return &objectstore.Response{StatusCode: http.StatusOK, Header: header, ContentLength: 0}, nil
}

func (a *Adapter) completeMultipart(ctx context.Context, bucket, key string, req *objectstore.Request) (*objectstore.Response, error) {
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("s3store: reading complete-multipart body: %w", err)
	}

	var clientParts objectstore.CompleteMultipartUpload
	if err := xml.Unmarshal(data, &clientParts); err != nil {
		return errorResponse(http.StatusBadRequest, objectstore.ErrCodeMalformedXML, "could not parse CompleteMultipartUpload body"), nil
	}

	parts := make([]sdktypes.CompletedPart, 0, len(clientParts.Parts))
	for _, p := range clientParts.Parts {
		parts = append(parts, sdktypes.CompletedPart{PartNumber: sdkaws.Int32(p.PartNumber), ETag: sdkaws.String(p.ETag)})
	}

	uploadID := req.Query.Get("uploadId")
	out, err := a.client.CompleteMultipartUpload(ctx, &sdks3.CompleteMultipartUploadInput{
		Bucket:          sdkaws.String(bucket),
		Key:             sdkaws.String(key),
		UploadId:        sdkaws.String(uploadID),
		MultipartUpload: &sdktypes.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return nil, a.wrapAWSErr("complete multipart upload", err)
	}

	result := objectstore.CompleteMultipartUploadResult{Bucket: bucket, Key: key, ETag: sdkaws.ToString(out.ETag)}
	return xmlResponse(http.StatusOK, result), nil
}

func (a *Adapter) abortMultipart(ctx context.Context, bucket, key, uploadID string) (*objectstore.Response, error) {
	_, err := a.client.AbortMultipartUpload(ctx, &sdks3.AbortMultipartUploadInput{
		Bucket: sdkaws.String(bucket), Key: sdkaws.String(key), UploadId: sdkaws.String(uploadID),
	})
	if err != nil {
		return nil, a.wrapAWSErr("abort multipart upload", err)
	}
	return &objectstore.Response{StatusCode: http.StatusNoContent, Header: make(http.Header), ContentLength: 0}, nil
}

// deleteObject implements spec §6's "DELETE /key → delete object
// idempotently; always respond 204" — no prior existence check, unlike
// the reference client's Head-then-Delete.
func (a *Adapter) deleteObject(ctx context.Context, bucket, key string) (*objectstore.Response, error) {
	_, err := a.client.DeleteObject(ctx, &sdks3.DeleteObjectInput{Bucket: sdkaws.String(bucket), Key: sdkaws.String(key)})
	if err != nil {
		return nil, a.wrapAWSErr("delete", err)
	}
	return &objectstore.Response{StatusCode: http.StatusNoContent, Header: make(http.Header), ContentLength: 0}, nil
}

func (a *Adapter) wrapAWSErr(op string, err error) error {
	return ferrors.Wrap(ferrors.KindObjectStoreFailure, "s3store: "+op, err)
}

// formatTime renders an S3 timestamp in http.TimeFormat (RFC1123, GMT)
// for both call sites: the Last-Modified HTTP header and the
// <LastModified> elements of a listing.
func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(http.TimeFormat)
}

func first(query map[string][]string, key string) string {
	if v, ok := query[key]; ok && len(v) > 0 {
		return v[0]
	}
	return ""
}

func objectHeaders(contentType *string, contentLength *int64, etag *string, lastModified *time.Time, metadata map[string]string) http.Header {
	header := make(http.Header)
	if contentType != nil {
		header.Set("Content-Type", *contentType)
	}
	if contentLength != nil {
		header.Set("Content-Length", strconv.FormatInt(*contentLength, 10))
	}
	if etag != nil {
		header.Set("ETag", *etag)
	}
	if lastModified != nil {
		header.Set("Last-Modified", formatTime(lastModified))
	}
	header.Set("Accept-Ranges", "bytes")
	if md5Hex, ok := metadata["md5"]; ok {
		header.Set("x-amz-meta-md5", md5Hex)
	}
	return header
}

func noSuchKeyResponse(key string) *objectstore.Response {
	return errorResponse(http.StatusNotFound, objectstore.ErrCodeNoSuchKey, fmt.Sprintf("the specified key does not exist: %s", key))
}

func errorResponse(status int, code, message string) *objectstore.Response {
	body := objectstore.ErrorResponse{Code: code, Message: message, RequestID: "", HostID: ""}
	return xmlResponse(status, body)
}

func xmlResponse(status int, v interface{}) *objectstore.Response {
	data, err := xml.Marshal(v)
	if err != nil {
		data = []byte(`<Error><Code>InternalError</Code><Message>failed to marshal response</Message></Error>`)
	}
	header := make(http.Header)
	header.Set("Content-Type", "application/xml")
	return &objectstore.Response{
		StatusCode:    status,
		Header:        header,
		Body:          bytes.NewReader(data),
		ContentLength: int64(len(data)),
	}
}

func isNotFound(err error) bool {
	var nsk *sdktypes.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	return httpStatusIs(err, http.StatusNotFound)
}

func isPreconditionFailed(err error) bool {
	return httpStatusIs(err, http.StatusPreconditionFailed)
}

func isNotModified(err error) bool {
	return httpStatusIs(err, http.StatusNotModified)
}

// httpStatusIs inspects the smithy-go transport error's embedded HTTP
// response status, the most reliable cross-backend signal for conditional-
// request outcomes since not every S3-compatible server returns the same
// typed exception for them (HeadObject in particular carries no body to
// decode a typed error from).
func httpStatusIs(err error, status int) bool {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == status
	}
	return false
}
