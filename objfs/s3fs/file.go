package s3fs

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/jpillora/sftpcloudfs/objfs"
)

// reader streams an object, reopening it with a Range request after a seek.
type reader struct {
	fs          *s3FS
	path        string
	bucket, key string
	size, off   int64
	body        io.ReadCloser
}

func (r *reader) Read(b []byte) (int, error) {
	if r.off >= r.size {
		return 0, io.EOF
	}
	if r.body == nil {
		in := &s3.GetObjectInput{Bucket: aws.String(r.bucket), Key: aws.String(r.key)}
		if r.off > 0 {
			in.Range = aws.String(fmt.Sprintf("bytes=%d-", r.off))
		}
		var out *s3.GetObjectOutput
		err := r.fs.call("GetObject", func(ctx context.Context) (err error) {
			// the body outlives the call, so only the session context applies
			out, err = r.fs.api.GetObject(r.fs.ctx, in)
			return err
		})
		if err != nil {
			return 0, classify("read", r.path, err)
		}
		r.body = out.Body
	}
	n, err := r.body.Read(b)
	r.off += int64(n)
	recordBytes(r.fs.metrics, "read", n)
	return n, err
}

func (r *reader) Write([]byte) (int, error) {
	return 0, objfs.PathErr("write", r.path, objfs.ErrPermission)
}

func (r *reader) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.off + offset
	case io.SeekEnd:
		abs = r.size + offset
	default:
		return 0, objfs.PathErr("seek", r.path, objfs.ErrInvalid)
	}
	if abs < 0 {
		return 0, objfs.PathErr("seek", r.path, objfs.ErrInvalid)
	}
	if abs != r.off && r.body != nil {
		r.body.Close()
		r.body = nil
	}
	r.off = abs
	return abs, nil
}

func (r *reader) Close() error {
	if r.body != nil {
		err := r.body.Close()
		r.body = nil
		return err
	}
	return nil
}

// writer buffers writes into parts. Small objects are stored with a single
// PutObject on Close, larger ones with a multipart upload.
type writer struct {
	fs          *s3FS
	path        string
	bucket, key string
	buf         bytes.Buffer
	uploadID    string
	parts       []types.CompletedPart
	closed      bool
	err         error
}

func (w *writer) Read([]byte) (int, error) {
	return 0, objfs.PathErr("read", w.path, objfs.ErrPermission)
}

func (w *writer) Write(b []byte) (int, error) {
	if w.closed {
		return 0, objfs.PathErr("write", w.path, objfs.ErrInvalid)
	}
	if w.err != nil {
		return 0, w.err
	}
	w.buf.Write(b)
	for int64(w.buf.Len()) >= w.fs.config.PartSize {
		if err := w.uploadPart(w.buf.Next(int(w.fs.config.PartSize))); err != nil {
			w.err = err
			return 0, err
		}
	}
	return len(b), nil
}

func (w *writer) uploadPart(data []byte) error {
	if w.uploadID == "" {
		var out *s3.CreateMultipartUploadOutput
		err := w.fs.call("CreateMultipartUpload", func(ctx context.Context) (err error) {
			out, err = w.fs.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
				Bucket: aws.String(w.bucket),
				Key:    aws.String(w.key),
			})
			return err
		})
		if err != nil {
			return classify("write", w.path, err)
		}
		w.uploadID = aws.ToString(out.UploadId)
	}
	num := int32(len(w.parts) + 1)
	var out *s3.UploadPartOutput
	err := w.fs.call("UploadPart", func(ctx context.Context) (err error) {
		out, err = w.fs.api.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(w.bucket),
			Key:        aws.String(w.key),
			UploadId:   aws.String(w.uploadID),
			PartNumber: aws.Int32(num),
			Body:       bytes.NewReader(data),
		})
		return err
	})
	if err != nil {
		return classify("write", w.path, err)
	}
	w.parts = append(w.parts, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(num)})
	recordBytes(w.fs.metrics, "upload_part", len(data))
	return nil
}

// Close commits the object. On failure any multipart upload is aborted.
func (w *writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.err != nil {
		w.abort()
		return w.err
	}
	if w.uploadID == "" {
		data := w.buf.Bytes()
		err := w.fs.call("PutObject", func(ctx context.Context) error {
			_, err := w.fs.api.PutObject(ctx, &s3.PutObjectInput{
				Bucket: aws.String(w.bucket),
				Key:    aws.String(w.key),
				Body:   bytes.NewReader(data),
			})
			return err
		})
		if err != nil {
			return classify("close", w.path, err)
		}
		recordBytes(w.fs.metrics, "write", len(data))
		return nil
	}
	if w.buf.Len() > 0 {
		if err := w.uploadPart(w.buf.Bytes()); err != nil {
			w.abort()
			return err
		}
	}
	err := w.fs.call("CompleteMultipartUpload", func(ctx context.Context) error {
		_, err := w.fs.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(w.bucket),
			Key:             aws.String(w.key),
			UploadId:        aws.String(w.uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: w.parts},
		})
		return err
	})
	if err != nil {
		w.abort()
		return classify("close", w.path, err)
	}
	return nil
}

// Abort discards the object instead of committing it.
func (w *writer) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.abort()
}

func (w *writer) abort() error {
	w.buf.Reset()
	if w.uploadID == "" {
		return nil
	}
	err := w.fs.call("AbortMultipartUpload", func(ctx context.Context) error {
		_, err := w.fs.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(w.bucket),
			Key:      aws.String(w.key),
			UploadId: aws.String(w.uploadID),
		})
		return err
	})
	w.uploadID = ""
	return classify("abort", w.path, err)
}

var (
	_ io.Seeker     = (*reader)(nil)
	_ objfs.Aborter = (*writer)(nil)
)
