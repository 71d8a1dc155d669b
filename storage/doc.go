// Package storage persists objects received over OBEX. Data is written
// under a staging name and only becomes visible under its final name once
// the transfer has completed.
//
//	sink, err := store.Create("photo.jpg", "image/jpeg")
//	// sink.Write(...) for each body chunk
//	path, err := store.Finalize(sink, "photo.jpg") // photo-1.jpg if taken
//	// or store.Delete(sink) to discard a partial object
//
// FSStore works on any afero filesystem, so tests run against an in-memory
// one.
package storage
