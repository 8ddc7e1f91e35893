package edgeindex

// Version is the semantic version of the edgeindex library.
// It can be overridden at build time using:
//
//	go build -ldflags "-X github.com/CVDpl/go-edgeindex/pkg/edgeindex.Version=0.3.1"
//
// Default value follows SemVer.
var Version = "0.3.0"
