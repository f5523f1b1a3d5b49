// Package policy decides which instance requests may be provisioned.
package policy

// Policy is a pure eligibility predicate consulted before any backend call.
type Policy interface {
	Eligible(instanceClass, imageID, region string) bool
}

// Func adapts a function to Policy.
type Func func(instanceClass, imageID, region string) bool

func (f Func) Eligible(instanceClass, imageID, region string) bool {
	return f(instanceClass, imageID, region)
}

// AnyImage in an image list admits every image of that region.
const AnyImage = "*"

// AllowList admits a request when its instance class is listed and its image
// is listed for the region. Regions without an entry admit nothing.
type AllowList struct {
	classes map[string]struct{}
	images  map[string]map[string]struct{}
}

func NewAllowList(classes []string, images map[string][]string) *AllowList {
	p := &AllowList{
		classes: make(map[string]struct{}, len(classes)),
		images:  make(map[string]map[string]struct{}, len(images)),
	}
	for _, c := range classes {
		p.classes[c] = struct{}{}
	}
	for region, ids := range images {
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		p.images[region] = set
	}
	return p
}

func (p *AllowList) Eligible(instanceClass, imageID, region string) bool {
	if _, ok := p.classes[instanceClass]; !ok {
		return false
	}
	set, ok := p.images[region]
	if !ok {
		return false
	}
	if _, ok := set[AnyImage]; ok {
		return true
	}
	_, ok = set[imageID]
	return ok
}

// FreeTierClasses are the instance types covered by the AWS free tier.
var FreeTierClasses = []string{"t3.micro", "t4g.micro"}

// FreeTierImages are the free-tier eligible Amazon Linux and Ubuntu AMIs per region.
var FreeTierImages = map[string][]string{
	"us-east-1": {"ami-0c02fb55956c7d316", "ami-026992d753d5622bc", "ami-026ebee89baf5eb77"},
	"us-east-2": {"ami-0ea3c35d6814e3cb6", "ami-0229d9f8ca82508cc"},
	"us-west-1": {"ami-0fb653ca2d3203ac1", "ami-0f4c5fd4dd4dd1051"},
	"us-west-2": {"ami-0430580de6244e02b", "ami-0e472933a1666f130"},
	"eu-west-1": {"ami-0d3d0c0e87e3a77fd", "ami-0f1a8f29ed2ad83e2"},
}

// FreeTier returns the default policy.
func FreeTier() *AllowList {
	return NewAllowList(FreeTierClasses, FreeTierImages)
}
