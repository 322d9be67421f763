// Package memstore implements objectstore.Adapter entirely in memory, for
// tests and local development without AWS credentials (spec §8: "an
// in-memory objectstore fake implementing the same interface the real
// S3-backed adapter implements, so the end-to-end seed scenarios run
// without network access to AWS").
//
// grounded on the same S3 XML shapes package s3store produces, so a test
// exercising the full CS↔ES fabric against this fake sees responses
// shaped identically to production.
package memstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/objectstore"
)

type storedObject struct {
	data         []byte
	etag         string
	md5          string
	contentType  string
	lastModified string
}

type multipartUpload struct {
	key   string
	parts map[int32][]byte
}

// Store is an in-memory, single-bucket-namespace object store. All buckets
// share one flat key->object map keyed by "bucket/key", which is simpler
// than the real adapter's per-bucket separation but behaviorally
// equivalent for every operation spec §6 lists.
type Store struct {
	mu            sync.Mutex
	objects       map[string]storedObject
	uploads       map[string]*multipartUpload
	defaultBucket string
	knownBuckets  map[string]bool
	nextUploadID  int
}

// New constructs an empty Store.
func New(defaultBucket string, knownBuckets []string) *Store {
	known := make(map[string]bool, len(knownBuckets))
	for _, b := range knownBuckets {
		known[b] = true
	}
	return &Store{
		objects:       make(map[string]storedObject),
		uploads:       make(map[string]*multipartUpload),
		defaultBucket: defaultBucket,
		knownBuckets:  known,
	}
}

func (s *Store) routeBucket(path string) (bucket, key string) {
	trimmed := strings.TrimPrefix(path, "/")
	first, rest, found := strings.Cut(trimmed, "/")
	if found && s.knownBuckets[first] {
		return first, rest
	}
	return s.defaultBucket, trimmed
}

func objectID(bucket, key string) string {
	return bucket + "/" + key
}

// Handle implements objectstore.Adapter.
func (s *Store) Handle(ctx context.Context, req *objectstore.Request) (*objectstore.Response, error) {
	bucket, key := s.routeBucket(req.Path)

	switch {
	case req.Method == http.MethodGet && key == "":
		return s.list(bucket, req.Query), nil
	case req.Method == http.MethodGet:
		return s.get(bucket, key, req.Header), nil
	case req.Method == http.MethodHead:
		return s.head(bucket, key, req.Header), nil
	case req.Method == http.MethodPut && req.Query.Has("uploadId") && req.Query.Has("partNumber"):
		return s.uploadPart(bucket, key, req)
	case req.Method == http.MethodPut:
		return s.put(bucket, key, req)
	case req.Method == http.MethodPost && req.Query.Has("uploads"):
		return s.initiateMultipart(bucket, key), nil
	case req.Method == http.MethodPost && req.Query.Has("uploadId"):
		return s.completeMultipart(bucket, key, req)
	case req.Method == http.MethodDelete && req.Query.Has("uploadId"):
		return s.abortMultipart(req.Query.Get("uploadId")), nil
	case req.Method == http.MethodDelete:
		return s.deleteObject(bucket, key), nil
	default:
		return errorResponse(http.StatusMethodNotAllowed, objectstore.ErrCodeInternal, "unsupported method/query combination"), nil
	}
}

func (s *Store) list(bucket string, query map[string][]string) *objectstore.Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := firstVal(query, "prefix")
	delimiter := firstVal(query, "delimiter")

	var keys []string
	for id := range s.objects {
		b, k, ok := strings.Cut(id, "/")
		if !ok || b != bucket || !strings.HasPrefix(k, prefix) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := objectstore.ListBucketResult{Name: bucket, Prefix: prefix, Delimiter: delimiter, MaxKeys: 1000}

	seenPrefixes := make(map[string]bool)
	for _, k := range keys {
		if delimiter != "" {
			rest := strings.TrimPrefix(k, prefix)
			if idx := strings.Index(rest, delimiter); idx >= 0 {
				cp := prefix + rest[:idx+len(delimiter)]
				if !seenPrefixes[cp] {
					seenPrefixes[cp] = true
					result.CommonPrefixes = append(result.CommonPrefixes, objectstore.CommonPrefix{Prefix: cp})
				}
				continue
			}
		}
		obj := s.objects[objectID(bucket, k)]
		result.Contents = append(result.Contents, objectstore.ListBucketItem{
			Key: k, ETag: obj.etag, Size: int64(len(obj.data)), LastModified: obj.lastModified,
		})
	}
	result.KeyCount = len(result.Contents) + len(result.CommonPrefixes)

	return xmlResponse(http.StatusOK, result)
}

func (s *Store) get(bucket, key string, header http.Header) *objectstore.Response {
	s.mu.Lock()
	obj, ok := s.objects[objectID(bucket, key)]
	s.mu.Unlock()

	if !ok {
		return noSuchKeyResponse(key)
	}
	if m := header.Get("If-Match"); m != "" && m != obj.etag {
		return errorResponse(http.StatusPreconditionFailed, objectstore.ErrCodePreconditionFailed, "ETag precondition failed")
	}
	if n := header.Get("If-None-Match"); n != "" && n == obj.etag {
		return &objectstore.Response{StatusCode: http.StatusNotModified, Header: make(http.Header), ContentLength: 0}
	}

	return &objectstore.Response{
		StatusCode:    http.StatusOK,
		Header:        objectHeaders(obj),
		Body:          bytes.NewReader(obj.data),
		ContentLength: int64(len(obj.data)),
	}
}

func (s *Store) head(bucket, key string, header http.Header) *objectstore.Response {
	resp := s.get(bucket, key, header)
	resp.Body = nil
	resp.ContentLength = 0
	return resp
}

func (s *Store) put(bucket, key string, req *objectstore.Request) (*objectstore.Response, error) {
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("memstore: reading request body: %w", err)
	}
	s.store(bucket, key, data)

	header := make(http.Header)
	header.Set("ETag", etagOf(data))
	return &objectstore.Response{StatusCode: http.StatusNoContent, Header: header, ContentLength: 0}, nil
}

func (s *Store) store(bucket, key string, data []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	etag := etagOf(data)
	s.objects[objectID(bucket, key)] = storedObject{
		data: data, etag: etag, md5: etag,
		contentType: "application/octet-stream", lastModified: "now",
	}
	return etag
}

func (s *Store) initiateMultipart(bucket, key string) *objectstore.Response {
	s.mu.Lock()
	s.nextUploadID++
	uploadID := strconv.Itoa(s.nextUploadID)
	s.uploads[uploadID] = &multipartUpload{key: objectID(bucket, key), parts: make(map[int32][]byte)}
	s.mu.Unlock()

	result := objectstore.InitiateMultipartUploadResult{Bucket: bucket, Key: key, UploadID: uploadID}
	return xmlResponse(http.StatusOK, result)
}

func (s *Store) uploadPart(bucket, key string, req *objectstore.Request) (*objectstore.Response, error) {
	partNumber, err := strconv.Atoi(req.Query.Get("partNumber"))
	if err != nil || partNumber < 1 || partNumber > 10000 {
		return errorResponse(http.StatusBadRequest, objectstore.ErrCodeInternal, "partNumber must be between 1 and 10000"), nil
	}

	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("memstore: reading part body: %w", err)
	}

	uploadID := req.Query.Get("uploadId")
	s.mu.Lock()
	upload, ok := s.uploads[uploadID]
	if ok {
		upload.parts[int32(partNumber)] = data
	}
	s.mu.Unlock()
	if !ok {
		return errorResponse(http.StatusNotFound, objectstore.ErrCodeNoSuchKey, "no such multipart upload"), nil
	}

	header := make(http.Header)
	header.Set("ETag", etagOf(data))
	return &objectstore.Response{StatusCode: http.StatusOK, Header: header, ContentLength: 0}, nil
}

func (s *Store) completeMultipart(bucket, key string, req *objectstore.Request) (*objectstore.Response, error) {
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("memstore: reading complete-multipart body: %w", err)
	}
	var body objectstore.CompleteMultipartUpload
	if err := xml.Unmarshal(data, &body); err != nil {
		return errorResponse(http.StatusBadRequest, objectstore.ErrCodeMalformedXML, "could not parse CompleteMultipartUpload body"), nil
	}

	uploadID := req.Query.Get("uploadId")
	s.mu.Lock()
	upload, ok := s.uploads[uploadID]
	if !ok {
		s.mu.Unlock()
		return errorResponse(http.StatusNotFound, objectstore.ErrCodeNoSuchKey, "no such multipart upload"), nil
	}
	var assembled bytes.Buffer
	for _, p := range body.Parts {
		assembled.Write(upload.parts[p.PartNumber])
	}
	delete(s.uploads, uploadID)
	s.mu.Unlock()

	etag := s.store(bucket, key, assembled.Bytes())
	result := objectstore.CompleteMultipartUploadResult{Bucket: bucket, Key: key, ETag: etag}
	return xmlResponse(http.StatusOK, result), nil
}

func (s *Store) abortMultipart(uploadID string) *objectstore.Response {
	s.mu.Lock()
	delete(s.uploads, uploadID)
	s.mu.Unlock()
	return &objectstore.Response{StatusCode: http.StatusNoContent, Header: make(http.Header), ContentLength: 0}
}

func (s *Store) deleteObject(bucket, key string) *objectstore.Response {
	s.mu.Lock()
	delete(s.objects, objectID(bucket, key))
	s.mu.Unlock()
	return &objectstore.Response{StatusCode: http.StatusNoContent, Header: make(http.Header), ContentLength: 0}
}

func etagOf(data []byte) string {
	sum := md5.Sum(data)
	return fmt.Sprintf("%x", sum)
}

func objectHeaders(obj storedObject) http.Header {
	header := make(http.Header)
	header.Set("Content-Type", obj.contentType)
	header.Set("Content-Length", strconv.Itoa(len(obj.data)))
	header.Set("ETag", obj.etag)
	header.Set("Last-Modified", obj.lastModified)
	header.Set("Accept-Ranges", "bytes")
	if obj.md5 != "" {
		header.Set("x-amz-meta-md5", obj.md5)
	}
	return header
}

func noSuchKeyResponse(key string) *objectstore.Response {
	return errorResponse(http.StatusNotFound, objectstore.ErrCodeNoSuchKey, fmt.Sprintf("the specified key does not exist: %s", key))
}

func errorResponse(status int, code, message string) *objectstore.Response {
	return xmlResponse(status, objectstore.ErrorResponse{Code: code, Message: message})
}

func xmlResponse(status int, v interface{}) *objectstore.Response {
	data, err := xml.Marshal(v)
	if err != nil {
		data = []byte(`<Error><Code>InternalError</Code><Message>failed to marshal response</Message></Error>`)
	}
	header := make(http.Header)
	header.Set("Content-Type", "application/xml")
	return &objectstore.Response{StatusCode: status, Header: header, Body: bytes.NewReader(data), ContentLength: int64(len(data))}
}

func firstVal(query map[string][]string, key string) string {
	if v, ok := query[key]; ok && len(v) > 0 {
		return v[0]
	}
	return ""
}
