// docs emits an OpenAPI 3 description of the service's HTTP surface, for
// consumers wiring their own clients against it.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/getkin/kin-openapi/openapi3"
)

func main() {
	var out = flag.String("out", "", "Write the document to this file instead of stdout")
	flag.Parse()

	doc := buildSpec()
	if err := doc.Validate(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "generated document is invalid: %v\n", err)
		os.Exit(1)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal document: %v\n", err)
		os.Exit(1)
	}

	if *out == "" {
		fmt.Println(string(data))
		return
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write %s: %v\n", *out, err)
		os.Exit(1)
	}
}

func buildSpec() *openapi3.T {
	return &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       "Document Ingestion & Retrieval API",
			Description: "Collections of documents, split into chunks, embedded and searchable by keyword and vector similarity.",
			Version:     "1.0.0",
		},
		Paths: openapi3.NewPaths(
			openapi3.WithPath("/collections", &openapi3.PathItem{
				Post: op("createCollection", "Create a collection", 201),
				Get:  op("listCollections", "List collections with pagination", 200),
			}),
			openapi3.WithPath("/collections/{id}", &openapi3.PathItem{
				Get:    op("getCollection", "Fetch one collection", 200),
				Put:    op("updateCollection", "Update a collection's name or description", 200),
				Patch:  op("patchCollection", "Partially update a collection", 200),
				Delete: op("deleteCollection", "Cascade-delete a collection and its documents (idempotent)", 204),
			}),
			openapi3.WithPath("/docs", &openapi3.PathItem{
				Post: op("submitDocument", "Submit a document for ingestion", 201),
				Get:  op("listDocuments", "List documents filtered by collection, status or name", 200),
			}),
			openapi3.WithPath("/docs/{id}", &openapi3.PathItem{
				Get:    op("getDocument", "Fetch one document", 200),
				Patch:  op("updateDocument", "Update a document's metadata (id stays stable)", 200),
				Delete: op("deleteDocument", "Delete a document and its chunks and vectors (idempotent)", 204),
			}),
			openapi3.WithPath("/docs/{id}/resync", &openapi3.PathItem{
				Put: op("resyncDocument", "Force a full re-run of the ingestion pipeline", 202),
			}),
			openapi3.WithPath("/search", &openapi3.PathItem{
				Get:  op("search", "Keyword-rescored vector search", 200),
				Post: op("searchBody", "Search with a JSON request body", 200),
			}),
			openapi3.WithPath("/search/paginated", &openapi3.PathItem{
				Get: op("searchPaginated", "Search with pagination and client-side ordering", 200),
			}),
			openapi3.WithPath("/health", &openapi3.PathItem{
				Get: op("health", "Probe the relational and vector stores", 200),
			}),
		),
	}
}

func op(id, summary string, status int) *openapi3.Operation {
	desc := "Success"
	return &openapi3.Operation{
		OperationID: id,
		Summary:     summary,
		Responses: openapi3.NewResponses(
			openapi3.WithStatus(status, &openapi3.ResponseRef{
				Value: &openapi3.Response{Description: &desc},
			}),
		),
	}
}
