package api

import "github.com/mergedesk/mergedesk/internal/database"

// ClusterToDetail combines a cluster with its current member tickets.
func ClusterToDetail(cluster database.Cluster, members []database.Ticket) ClusterDetailResponse {
	if members == nil {
		members = []database.Ticket{}
	}
	return ClusterDetailResponse{
		Cluster: cluster,
		Members: members,
	}
}
