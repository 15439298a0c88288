package server

import (
	"launchpad/internal/domain"
)

type MetadataResponse struct {
	Success     bool   `json:"success"`
	MetadataURI string `json:"metadataUri"`
}

type CreateTxResponse struct {
	Success      bool   `json:"success"`
	SerializedTx string `json:"serializedTx" doc:"Base64 wire transaction, unsigned"`
	TxSize       int    `json:"txSize"`
}

type FinalizeResponse struct {
	Success bool          `json:"success"`
	Launch  domain.Launch `json:"launch"`
}

type LaunchListResponse struct {
	Items []domain.Launch `json:"items"`
}

type EventListResponse struct {
	Items []domain.LaunchEvent `json:"items"`
}
