package mapping

// maxExpansions bounds the enum cartesian product per segment. Beyond it,
// enums are treated as wildcards, which can only report more overlaps.
const maxExpansions = 1024

// glob is a segment pattern over bytes: a literal byte, any single byte, or
// any run of bytes. Segments never contain '/'.
type glob struct {
	lit  byte
	one  bool
	star bool
}

// overlaps reports whether some object key matches both templates.
func overlaps(a, b *matcher) bool {
	if len(a.segments) != len(b.segments) {
		return false
	}
	for i := range a.segments {
		if !segmentsOverlap(a.segments[i], b.segments[i]) {
			return false
		}
	}
	return true
}

func segmentsOverlap(a, b []token) bool {
	for _, pa := range expand(a) {
		for _, pb := range expand(b) {
			if intersects(pa, pb) {
				return true
			}
		}
	}
	return false
}

// expand turns a token list into the glob patterns it stands for.
func expand(toks []token) [][]glob {
	total := 1
	for _, t := range toks {
		if t.kind == tokEnum {
			total *= len(t.values)
			if total > maxExpansions {
				break
			}
		}
	}
	widen := total > maxExpansions

	out := [][]glob{nil}
	for _, t := range toks {
		switch {
		case t.kind == tokLiteral:
			for i := range out {
				out[i] = appendLiteral(out[i], t.text)
			}
		case t.kind == tokWildcard || widen:
			for i := range out {
				out[i] = append(out[i], glob{one: true}, glob{star: true})
			}
		default:
			next := make([][]glob, 0, len(out)*len(t.values))
			for _, prefix := range out {
				for _, v := range t.values {
					p := append([]glob(nil), prefix...)
					next = append(next, appendLiteral(p, v))
				}
			}
			out = next
		}
	}
	return out
}

func appendLiteral(p []glob, s string) []glob {
	for i := 0; i < len(s); i++ {
		p = append(p, glob{lit: s[i]})
	}
	return p
}

// intersects reports whether two glob patterns match a common string.
func intersects(p, q []glob) bool {
	width := len(q) + 1
	memo := make([]int8, (len(p)+1)*width)
	var rec func(i, j int) bool
	rec = func(i, j int) bool {
		idx := i*width + j
		if memo[idx] != 0 {
			return memo[idx] > 0
		}
		var ok bool
		switch {
		case i == len(p) && j == len(q):
			ok = true
		case i < len(p) && p[i].star:
			ok = rec(i+1, j) || (j < len(q) && rec(i, j+1))
		case j < len(q) && q[j].star:
			ok = rec(i, j+1) || (i < len(p) && rec(i+1, j))
		case i < len(p) && j < len(q):
			ok = (p[i].one || q[j].one || p[i].lit == q[j].lit) && rec(i+1, j+1)
		}
		if ok {
			memo[idx] = 1
		} else {
			memo[idx] = -1
		}
		return ok
	}
	return rec(0, 0)
}
