package prompt

import "strings"

// MandatoryNegative is appended to every negative prompt. It is fixed at build
// time and cannot be altered by callers.
const MandatoryNegative = `celebrity, famous person, actor, actress, influencer, model,
real person, known face, instagram face, tiktok face,
beauty filter, airbrushed skin, plastic skin,
anime, illustration, painting, cgi, 3d render,
teen, teenage, young-looking, childlike, youthful face,
school uniform, student, cosplay,
distorted face, extra fingers, deformed eyes`

// Compose merges caller negative terms with the mandatory block. Caller terms
// come first; the mandatory block always ends the result.
func Compose(userNegative string) string {
	user := strings.TrimSpace(userNegative)
	if user == "" {
		return MandatoryNegative
	}
	return user + ", " + MandatoryNegative
}

// Positive normalizes the positive prompt. The text is passed through as
// written apart from surrounding whitespace.
func Positive(p string) string {
	return strings.TrimSpace(p)
}
