package nftables

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

// Client applies ruleset batches through the nft binary's JSON contract.
type Client struct {
	// BinaryPath is the nft executable to invoke; defaults to "nft" on
	// the PATH.
	BinaryPath string
}

// NewClient creates a Client using the nft binary found on PATH.
func NewClient() *Client {
	return &Client{BinaryPath: "nft"}
}

// Apply submits batch as a single nft transaction. If application fails,
// nft applies nothing from the batch, so the previous ruleset remains in
// effect for every table it did not touch.
func (c *Client) Apply(ctx context.Context, batch Batch) error {
	if len(batch.Commands) == 0 {
		return nil
	}

	payload, err := json.Marshal(batch.document())
	if err != nil {
		return fmt.Errorf("marshal nft batch: %w", err)
	}

	bin := c.BinaryPath
	if bin == "" {
		bin = "nft"
	}

	cmd := exec.CommandContext(ctx, bin, "-j", "-f", "-")
	cmd.Stdin = bytes.NewReader(payload)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("nft apply failed: %w (output: %s)", err, string(output))
	}
	return nil
}
