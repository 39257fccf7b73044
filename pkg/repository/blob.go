package repository

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/wehubfusion/Daedalus/pkg/checkpoint"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
	"go.uber.org/zap"
)

// Blob is a Repository backed by Azure Blob Storage using shared-key
// authentication. Documents are stored as JSON at deterministic paths:
// workflows/{id}.json and checkpoints/{runID}/{checkpointID}.json. The
// client intentionally supports plain-HTTP endpoints so local Azurite
// instances work out of the box.
type Blob struct {
	client        *azblob.Client
	serviceURL    string
	containerName string
	logger        *zap.Logger
	containerInit bool
}

// NewBlob creates a blob repository from a standard connection string.
func NewBlob(connectionString, containerName string, logger *zap.Logger) (*Blob, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if connectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if containerName == "" {
		return nil, fmt.Errorf("container name is required")
	}

	params := parseConnectionString(connectionString)
	accountName := params["AccountName"]
	accountKey := params["AccountKey"]
	serviceURL := params["BlobEndpoint"]
	if accountName == "" || accountKey == "" {
		return nil, fmt.Errorf("account name and key are required in the connection string")
	}
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net", accountName)
	}

	credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create shared key credential: %w", err)
	}

	var clientOpts *azblob.ClientOptions
	if strings.HasPrefix(strings.ToLower(serviceURL), "http://") {
		clientOpts = &azblob.ClientOptions{
			ClientOptions: azcore.ClientOptions{
				InsecureAllowCredentialWithHTTP: true,
			},
		}
	}

	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}

	return &Blob{
		client:        client,
		serviceURL:    strings.TrimRight(serviceURL, "/"),
		containerName: containerName,
		logger:        logger,
	}, nil
}

// WorkflowPath returns the blob path for a workflow document.
func WorkflowPath(workflowID string) string {
	return fmt.Sprintf("workflows/%s.json", workflowID)
}

// CheckpointPath returns the blob path for a checkpoint document.
func CheckpointPath(runID, checkpointID string) string {
	return fmt.Sprintf("checkpoints/%s/%s.json", runID, checkpointID)
}

// Workflow retrieves and decodes a graph document.
func (b *Blob) Workflow(ctx context.Context, id string) (*workflow.Graph, error) {
	data, err := b.download(ctx, WorkflowPath(id))
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %s: %w", id, err)
	}
	return workflow.FromBytes(data)
}

// SaveWorkflow uploads a graph document.
func (b *Blob) SaveWorkflow(ctx context.Context, g *workflow.Graph) error {
	if g == nil || g.WorkflowID == "" {
		return fmt.Errorf("workflow has no id")
	}
	data, err := g.ToBytes()
	if err != nil {
		return fmt.Errorf("failed to serialize workflow %s: %w", g.WorkflowID, err)
	}
	return b.upload(ctx, WorkflowPath(g.WorkflowID), data, map[string]string{
		"workflowId": g.WorkflowID,
	})
}

// SaveCheckpoint uploads the checkpoint's already-encoded document and
// returns the checkpoint id. The capture pass produced the bytes; nothing
// is re-marshaled here.
func (b *Blob) SaveCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) (string, error) {
	if cp == nil || cp.ID == "" {
		return "", fmt.Errorf("checkpoint has no id")
	}
	encoded := cp.Encoded()
	if len(encoded) == 0 {
		return "", fmt.Errorf("checkpoint %s has no encoded document", cp.ID)
	}

	err := b.upload(ctx, CheckpointPath(cp.RunID, cp.ID), encoded, map[string]string{
		"runId":      cp.RunID,
		"workflowId": cp.WorkflowID,
	})
	if err != nil {
		return "", err
	}
	return cp.ID, nil
}

// Checkpoint retrieves a checkpoint document by id. Checkpoint blobs are
// nested under their run, so lookup scans the checkpoints prefix for the
// matching id.
func (b *Blob) Checkpoint(ctx context.Context, id string) (*checkpoint.Checkpoint, error) {
	blobPath, err := b.findCheckpointPath(ctx, id)
	if err != nil {
		return nil, err
	}
	data, err := b.download(ctx, blobPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", id, err)
	}
	return checkpoint.FromBytes(data)
}

// ListCheckpoints returns the checkpoint ids stored for a run.
func (b *Blob) ListCheckpoints(ctx context.Context, runID string) ([]string, error) {
	prefix := fmt.Sprintf("checkpoints/%s/", runID)
	var ids []string

	pager := b.client.NewListBlobsFlatPager(b.containerName, &azblob.ListBlobsFlatOptions{
		Prefix: to.Ptr(prefix),
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list checkpoints for run %s: %w", runID, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			ids = append(ids, strings.TrimSuffix(path.Base(*item.Name), ".json"))
		}
	}
	return ids, nil
}

// DeleteCheckpoint removes a checkpoint blob by id.
func (b *Blob) DeleteCheckpoint(ctx context.Context, id string) error {
	blobPath, err := b.findCheckpointPath(ctx, id)
	if err != nil {
		return err
	}
	if _, err := b.client.DeleteBlob(ctx, b.containerName, blobPath, nil); err != nil {
		return fmt.Errorf("failed to delete checkpoint %s: %w", id, err)
	}
	return nil
}

func (b *Blob) findCheckpointPath(ctx context.Context, id string) (string, error) {
	suffix := "/" + id + ".json"
	pager := b.client.NewListBlobsFlatPager(b.containerName, &azblob.ListBlobsFlatOptions{
		Prefix: to.Ptr("checkpoints/"),
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to locate checkpoint %s: %w", id, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil && strings.HasSuffix(*item.Name, suffix) {
				return *item.Name, nil
			}
		}
	}
	return "", fmt.Errorf("checkpoint %s not found", id)
}

func (b *Blob) upload(ctx context.Context, blobPath string, data []byte, metadata map[string]string) error {
	if err := b.ensureContainer(ctx); err != nil {
		return err
	}

	metadataPtr := make(map[string]*string, len(metadata))
	for k, v := range metadata {
		metadataPtr[k] = to.Ptr(v)
	}

	containerClient := b.client.ServiceClient().NewContainerClient(b.containerName)
	blobClient := containerClient.NewBlockBlobClient(blobPath)

	_, err := blobClient.UploadBuffer(ctx, data, &azblob.UploadBufferOptions{
		Metadata: metadataPtr,
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: to.Ptr("application/json"),
		},
	})
	if err != nil {
		b.logger.Error("Failed to upload document",
			zap.String("blob_path", blobPath),
			zap.Int("size", len(data)),
			zap.Error(err))
		return fmt.Errorf("blob upload failed: %w", err)
	}

	b.logger.Debug("Uploaded document",
		zap.String("blob_path", blobPath),
		zap.Int("size_bytes", len(data)))
	return nil
}

func (b *Blob) download(ctx context.Context, blobPath string) ([]byte, error) {
	containerClient := b.client.ServiceClient().NewContainerClient(b.containerName)
	blobClient := containerClient.NewBlobClient(blobPath)

	resp, err := blobClient.DownloadStream(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to download blob: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob data: %w", err)
	}
	return data, nil
}

func (b *Blob) ensureContainer(ctx context.Context) error {
	if b.containerInit {
		return nil
	}

	_, err := b.client.CreateContainer(ctx, b.containerName, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if strings.Contains(strings.ToLower(err.Error()), "containeralreadyexists") {
			b.containerInit = true
			return nil
		}
		if stderrors.As(err, &respErr) && respErr.ErrorCode == "ContainerAlreadyExists" {
			b.containerInit = true
			return nil
		}
		return fmt.Errorf("failed to ensure container: %w", err)
	}

	b.containerInit = true
	return nil
}

func parseConnectionString(connectionString string) map[string]string {
	parts := strings.Split(connectionString, ";")
	params := make(map[string]string, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx := strings.Index(part, "=")
		if idx <= 0 {
			continue
		}
		params[part[:idx]] = part[idx+1:]
	}
	return params
}
