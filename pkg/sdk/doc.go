// Package vecpipe embeds the vecpipe collection pipeline in a Go program.
//
// The SDK runs the same collection manager, ingestion and query services as
// the HTTP server, without the transport. Records live in memory (optionally
// persisted to a directory) or in Redis/Valkey with the search module.
//
// # Records with their own vectors
//
//	client, _ := vecpipe.New(ctx, vecpipe.WithDataDir("/var/lib/vecpipe"))
//	defer client.Close()
//	_ = client.Define(ctx, vecpipe.Schema{...})
//	res := client.Insert(ctx, records)
//	_ = client.BuildIndex(ctx, "embedding", spec)
//	hits, _ := client.Search(ctx, vecpipe.SearchRequest{Vector: v, TopK: 10})
//
// # Documents embedded by the pipeline
//
//	client, _ := vecpipe.New(ctx,
//	    vecpipe.WithRedis("localhost:6379", ""),
//	    vecpipe.WithEmbedder(myEmbedder),
//	    vecpipe.WithVectorDimensions(1024),
//	)
//	res, _ := client.Ingest(ctx, []vecpipe.Document{{Text: "..."}})
//	hits, _ := client.Query(ctx, vecpipe.QueryRequest{Text: "...", TopK: 5})
package vecpipe
