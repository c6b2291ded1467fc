// Package dicomweb is the processor's view of the archive: WADO-RS series
// metadata for spatial registration, and instance upload for result objects.
package dicomweb
