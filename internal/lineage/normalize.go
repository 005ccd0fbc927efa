package lineage

import (
	"regexp"
	"strings"

	"github.com/moolen/lineagectx/internal/config"
)

const (
	s3Scheme       = "s3://"
	redshiftScheme = "redshift://"
	defaultSchema  = "public"
)

var (
	copyPathPattern  = regexp.MustCompile(`(?i)FROM\s+'([^']+)'|FROM\s+"([^"]+)"`)
	copyTablePattern = regexp.MustCompile(`(?i)COPY\s+(\w+(?:\.\w+)*)\s*[\(\s]`)
)

// Normalizer canonicalizes entity names coming from different services so
// that the same dataset or table has one spelling in the merged graph. All
// methods are idempotent.
type Normalizer struct {
	exclusions    []string
	suffixes      []string
	catalogPrefix string
	schemaPrefix  string
	tempTable     string
}

// NewNormalizer builds a Normalizer from the lineage section.
func NewNormalizer(cfg config.LineageConfig) *Normalizer {
	n := &Normalizer{
		catalogPrefix: cfg.DefaultCatalogPrefix,
		tempTable:     cfg.CanonicalTempTable,
	}
	for _, p := range cfg.ExclusionPatterns {
		n.exclusions = append(n.exclusions, strings.ToLower(p))
	}
	for _, s := range cfg.ExclusionSuffixes {
		n.suffixes = append(n.suffixes, strings.ToLower(s))
	}
	// "dev.public." collapses to "public."
	if i := strings.Index(cfg.DefaultCatalogPrefix, "."); i >= 0 {
		n.schemaPrefix = cfg.DefaultCatalogPrefix[i+1:]
	}
	return n
}

// IsExcluded reports whether name contains an exclusion pattern or ends
// with an excluded suffix.
func (n *Normalizer) IsExcluded(name string) bool {
	if name == "" {
		return true
	}
	lower := strings.ToLower(name)
	for _, p := range n.exclusions {
		if strings.Contains(lower, p) {
			return true
		}
	}
	for _, s := range n.suffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return false
}

// TableName collapses temp-table variants and strips the default catalog.
// Other catalogs stay qualified.
func (n *Normalizer) TableName(name string) string {
	if n.tempTable != "" && strings.Contains(name, n.tempTable) {
		return n.tempTable
	}
	if n.catalogPrefix != "" && strings.HasPrefix(name, n.catalogPrefix) {
		return n.schemaPrefix + strings.TrimPrefix(name, n.catalogPrefix)
	}
	return name
}

// DatasetName joins an OpenLineage namespace and name.
func (n *Normalizer) DatasetName(namespace, name string) string {
	switch {
	case strings.HasPrefix(namespace, s3Scheme):
		return strings.TrimRight(strings.TrimPrefix(namespace, s3Scheme)+"/"+name, "/")
	case namespace == "s3":
		return strings.TrimRight(strings.ReplaceAll(name, s3Scheme, ""), "/")
	case namespace == "":
		return name
	}
	return namespace + "/" + name
}

// Path strips S3 schemes and trailing slashes.
func (n *Normalizer) Path(p string) string {
	p = strings.TrimRight(p, "/")
	p = strings.ReplaceAll(p, "s3/"+s3Scheme, "")
	p = strings.ReplaceAll(p, s3Scheme, "")
	return strings.TrimRight(p, "/")
}

// Entity normalizes a name of unknown origin: S3-looking names as paths,
// everything else as tables.
func (n *Normalizer) Entity(name string) string {
	if strings.HasPrefix(name, "s3") {
		return n.Path(name)
	}
	return n.TableName(name)
}

// CopyStatement extracts the bulk-load source path and target table from a
// COPY statement. The table gets the default schema when unqualified.
func (n *Normalizer) CopyStatement(sql string) (path, table string, ok bool) {
	upper := strings.ToUpper(sql)
	if !strings.Contains(upper, "COPY") || !strings.Contains(upper, "FROM") {
		return "", "", false
	}

	pm := copyPathPattern.FindStringSubmatch(sql)
	if pm == nil {
		return "", "", false
	}
	path = pm[1]
	if path == "" {
		path = pm[2]
	}
	path = strings.TrimRight(path, "/")

	tm := copyTablePattern.FindStringSubmatch(sql)
	if tm == nil {
		return "", "", false
	}
	table = tm[1]
	if !strings.Contains(table, ".") {
		table = defaultSchema + "." + table
	}
	return path, n.TableName(table), path != ""
}
