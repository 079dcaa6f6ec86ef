package ref

// InstalledRef is a Ref paired with the bookkeeping the engine keeps for
// anything actually deployed on disk (spec §3).
type InstalledRef struct {
	Ref
	Origin            string
	LatestKnownCommit string
	DeployPath        string
	Subpaths          []string // non-nil and non-empty only for partial checkouts
	InstalledSize     uint64
	IsCurrent         bool
}

// RemoteRef is a Ref as reported by a remote's summary: a name and the
// commit the remote currently advertises for it.
type RemoteRef struct {
	Ref
	RemoteName string
}

// RelatedRef is a Ref discovered via the Related-Refs Resolver (spec §4.7),
// with the per-related lifecycle flags that govern co-install/co-removal.
type RelatedRef struct {
	Ref
	Subpaths        []string
	ShouldDownload  bool
	ShouldDelete    bool
	ShouldAutoprune bool
}

// BundleRef is the ref and embedded content extracted from a self-contained
// bundle file (spec §4.6 InstallBundle).
type BundleRef struct {
	Ref
	FilePath        string
	MetadataBytes   []byte
	AppstreamBytes  []byte // gzip-compressed, may be nil
	IconBytes       []byte // may be nil
	InstalledSize   uint64
	OriginURL       string
	OriginGPGKey    []byte // may be nil
}
