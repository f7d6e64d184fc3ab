package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// GridFS stores containers as GridFS files named by path. A write uploads a
// new revision and removes the older ones.
type GridFS struct {
	bucket *gridfs.Bucket
}

// NewGridFS wraps a bucket.
func NewGridFS(bucket *gridfs.Bucket) *GridFS {
	return &GridFS{bucket: bucket}
}

func (g *GridFS) Read(ctx context.Context, path string) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := g.bucket.DownloadToStreamByName(path, &buf); err != nil {
		if errors.Is(err, gridfs.ErrFileNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("downloading %s: %w", path, err)
	}
	return buf.Bytes(), nil
}

func (g *GridFS) Write(ctx context.Context, path string, data []byte) error {
	id, err := g.bucket.UploadFromStream(path, bytes.NewReader(data),
		options.GridFSUpload().SetMetadata(bson.M{"content_type": "application/zip"}))
	if err != nil {
		return fmt.Errorf("uploading %s: %w", path, err)
	}

	cursor, err := g.bucket.FindContext(ctx, bson.M{"filename": path, "_id": bson.M{"$ne": id}})
	if err != nil {
		return err
	}
	defer cursor.Close(ctx)
	for cursor.Next(ctx) {
		var file struct {
			ID any `bson:"_id"`
		}
		if err := cursor.Decode(&file); err != nil {
			return err
		}
		if err := g.bucket.DeleteContext(ctx, file.ID); err != nil && !errors.Is(err, gridfs.ErrFileNotFound) {
			return fmt.Errorf("removing old revision of %s: %w", path, err)
		}
	}
	return cursor.Err()
}

func (g *GridFS) Exists(ctx context.Context, path string) (bool, error) {
	cursor, err := g.bucket.FindContext(ctx, bson.M{"filename": path}, options.GridFSFind().SetLimit(1))
	if err != nil {
		return false, err
	}
	defer cursor.Close(ctx)
	return cursor.Next(ctx), cursor.Err()
}
