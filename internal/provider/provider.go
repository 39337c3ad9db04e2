package provider

import "context"

// Provider is the remote object-assembly API the transfer engine drives.
// Implementations are expected to bound every call with a timeout and to
// translate failures into the typed errors of this package.
type Provider interface {
	// Precreate registers an upcoming chunked upload and returns the
	// session handle that all subsequent slice calls must carry.
	Precreate(ctx context.Context, remotePath string, size, chunkSize int64, totalChunks int) (string, error)

	// UploadSlice transmits one chunk's bytes. Acknowledgment means the
	// remote has durably accepted the slice at the given index.
	UploadSlice(ctx context.Context, remotePath, uploadID string, index, totalChunks int, data []byte) error

	// Finalize assembles the previously uploaded slices into the final
	// object. It can be retried without re-uploading slices.
	Finalize(ctx context.Context, remotePath, uploadID string, size int64) error

	// DirectUpload transfers a small file in a single call, bypassing the
	// chunked session machinery.
	DirectUpload(ctx context.Context, localPath, remotePath string) error

	// ReadRange fetches length bytes of the remote object starting at
	// offset.
	ReadRange(ctx context.Context, remotePath string, offset, length int64) ([]byte, error)
}
