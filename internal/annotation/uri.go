package annotation

import "strings"

// NormIRI normalizes an iri for index keys: the scheme goes, and so
// does the ?hypothesisAnnotationId= query segment that share links drag
// along.
func NormIRI(iri string) string {
	if !strings.Contains(iri, "://") {
		return iri
	}
	_, norm, _ := strings.Cut(iri, "://")
	if strings.Contains(iri, "?hypothesisAnnotationId=") {
		norm, _, _ = strings.Cut(norm, "?hypothesisAnnotationId=")
	}
	return norm
}

// IDFromShareLink extracts the annotation id from a hyp.is share link.
// Returns "" for links that are not share links.
func IDFromShareLink(link string) string {
	if !strings.Contains(link, "hyp.is") {
		return ""
	}
	parts := strings.Split(link, "/")
	if len(parts) < 4 {
		return ""
	}
	return parts[3]
}

// ShareLinkFromID builds the public hyp.is link for an annotation id.
func ShareLinkFromID(id string) string {
	return "https://hyp.is/" + id
}
