package memstore

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/objectstore"
)

func TestPutThenGetRoundTrips(t *testing.T) {
	s := New("default", nil)
	ctx := context.Background()

	_, err := s.Handle(ctx, &objectstore.Request{
		Method: http.MethodPut,
		Path:   "/greeting.txt",
		Query:  url.Values{},
		Header: http.Header{},
		Body:   strings.NewReader("hello world"),
	})
	assert.NilError(t, err)

	resp, err := s.Handle(ctx, &objectstore.Request{
		Method: http.MethodGet,
		Path:   "/greeting.txt",
		Query:  url.Values{},
		Header: http.Header{},
	})
	assert.NilError(t, err)
	assert.Equal(t, resp.StatusCode, http.StatusOK)

	body, err := io.ReadAll(resp.Body)
	assert.NilError(t, err)
	assert.Equal(t, string(body), "hello world")

	md5Header := resp.Header.Get("x-amz-meta-md5")
	assert.Assert(t, md5Header != "")
	assert.Equal(t, md5Header, resp.Header.Get("ETag"))
}

func TestGetMissingKeyReturnsNoSuchKey(t *testing.T) {
	s := New("default", nil)
	resp, err := s.Handle(context.Background(), &objectstore.Request{
		Method: http.MethodGet,
		Path:   "/does-not-exist.txt",
		Query:  url.Values{},
		Header: http.Header{},
	})
	assert.NilError(t, err)
	assert.Equal(t, resp.StatusCode, http.StatusNotFound)

	body, err := io.ReadAll(resp.Body)
	assert.NilError(t, err)
	var parsed objectstore.ErrorResponse
	assert.NilError(t, xml.Unmarshal(body, &parsed))
	assert.Equal(t, parsed.Code, objectstore.ErrCodeNoSuchKey)
}

func TestIfNoneMatchReturnsNotModified(t *testing.T) {
	s := New("default", nil)
	ctx := context.Background()

	_, err := s.Handle(ctx, &objectstore.Request{
		Method: http.MethodPut, Path: "/x.txt", Query: url.Values{}, Header: http.Header{},
		Body: strings.NewReader("data"),
	})
	assert.NilError(t, err)

	first, err := s.Handle(ctx, &objectstore.Request{
		Method: http.MethodGet, Path: "/x.txt", Query: url.Values{}, Header: http.Header{},
	})
	assert.NilError(t, err)
	etag := first.Header.Get("ETag")
	assert.Assert(t, etag != "")

	header := http.Header{}
	header.Set("If-None-Match", etag)
	second, err := s.Handle(ctx, &objectstore.Request{
		Method: http.MethodGet, Path: "/x.txt", Query: url.Values{}, Header: header,
	})
	assert.NilError(t, err)
	assert.Equal(t, second.StatusCode, http.StatusNotModified)
}

func TestMultipartUploadLifecycle(t *testing.T) {
	s := New("default", nil)
	ctx := context.Background()

	initResp, err := s.Handle(ctx, &objectstore.Request{
		Method: http.MethodPost, Path: "/big.bin", Query: url.Values{"uploads": {""}}, Header: http.Header{},
	})
	assert.NilError(t, err)
	initBody, err := io.ReadAll(initResp.Body)
	assert.NilError(t, err)
	var initiated objectstore.InitiateMultipartUploadResult
	assert.NilError(t, xml.Unmarshal(initBody, &initiated))
	assert.Assert(t, initiated.UploadID != "")

	partQuery := url.Values{"uploadId": {initiated.UploadID}, "partNumber": {"1"}}
	_, err = s.Handle(ctx, &objectstore.Request{
		Method: http.MethodPut, Path: "/big.bin", Query: partQuery, Header: http.Header{},
		Body: strings.NewReader("part-one-"),
	})
	assert.NilError(t, err)

	partQuery2 := url.Values{"uploadId": {initiated.UploadID}, "partNumber": {"2"}}
	_, err = s.Handle(ctx, &objectstore.Request{
		Method: http.MethodPut, Path: "/big.bin", Query: partQuery2, Header: http.Header{},
		Body: strings.NewReader("part-two"),
	})
	assert.NilError(t, err)

	completeBody, err := xml.Marshal(objectstore.CompleteMultipartUpload{
		Parts: []objectstore.CompletedPart{{PartNumber: 1}, {PartNumber: 2}},
	})
	assert.NilError(t, err)

	completeQuery := url.Values{"uploadId": {initiated.UploadID}}
	_, err = s.Handle(ctx, &objectstore.Request{
		Method: http.MethodPost, Path: "/big.bin", Query: completeQuery, Header: http.Header{},
		Body: strings.NewReader(string(completeBody)),
	})
	assert.NilError(t, err)

	getResp, err := s.Handle(ctx, &objectstore.Request{
		Method: http.MethodGet, Path: "/big.bin", Query: url.Values{}, Header: http.Header{},
	})
	assert.NilError(t, err)
	assembled, err := io.ReadAll(getResp.Body)
	assert.NilError(t, err)
	assert.Equal(t, string(assembled), "part-one-part-two")
}

func TestListWithPrefixAndDelimiter(t *testing.T) {
	s := New("default", nil)
	ctx := context.Background()

	for _, key := range []string{"logs/a.txt", "logs/b.txt", "other.txt"} {
		_, err := s.Handle(ctx, &objectstore.Request{
			Method: http.MethodPut, Path: "/" + key, Query: url.Values{}, Header: http.Header{},
			Body: strings.NewReader("x"),
		})
		assert.NilError(t, err)
	}

	resp, err := s.Handle(ctx, &objectstore.Request{
		Method: http.MethodGet, Path: "/", Header: http.Header{},
		Query: url.Values{"prefix": {"logs/"}, "delimiter": {"/"}},
	})
	assert.NilError(t, err)
	body, err := io.ReadAll(resp.Body)
	assert.NilError(t, err)
	var listed objectstore.ListBucketResult
	assert.NilError(t, xml.Unmarshal(body, &listed))
	assert.Equal(t, len(listed.Contents), 2)
}
