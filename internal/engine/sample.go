package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kiranshivaraju/exorun/pkg/models"
	"gopkg.in/yaml.v3"
)

const (
	phenopacketSchemaVersion = "1.0"
	defaultSampleCreator     = "exorun"
	unknownSex               = "UNKNOWN_SEX"
)

// Phenopacket is the sample description handed to the engine with --sample.
type Phenopacket struct {
	Phenopacket PhenopacketBody `yaml:"phenopacket"`
}

type PhenopacketBody struct {
	ID                 string             `yaml:"id"`
	Subject            Subject            `yaml:"subject"`
	PhenotypicFeatures []PhenotypeFeature `yaml:"phenotypicFeatures"`
	MetaData           MetaData           `yaml:"metaData"`
	HTSFiles           []HTSFile          `yaml:"htsFiles,omitempty"`
}

type Subject struct {
	ID  string `yaml:"id"`
	Sex string `yaml:"sex"`
}

type PhenotypeFeature struct {
	Type models.PhenotypeTerm `yaml:"type"`
}

type MetaData struct {
	Created                  string     `yaml:"created"`
	CreatedBy                string     `yaml:"createdBy"`
	Resources                []Resource `yaml:"resources"`
	PhenopacketSchemaVersion string     `yaml:"phenopacketSchemaVersion"`
}

type Resource struct {
	ID              string `yaml:"id"`
	Name            string `yaml:"name"`
	URL             string `yaml:"url"`
	Version         string `yaml:"version"`
	NamespacePrefix string `yaml:"namespacePrefix"`
	IRIPrefix       string `yaml:"iriPrefix"`
}

type HTSFile struct {
	URI            string `yaml:"uri"`
	HTSFormat      string `yaml:"htsFormat"`
	GenomeAssembly string `yaml:"genomeAssembly"`
}

var hpoResource = Resource{
	ID:              "hp",
	Name:            "human phenotype ontology",
	URL:             "http://purl.obolibrary.org/obo/hp.owl",
	Version:         "hp/releases/latest",
	NamespacePrefix: "HP",
	IRIPrefix:       "http://purl.obolibrary.org/obo/HP_",
}

// SampleFromRequest builds the phenopacket for one engine run.
func SampleFromRequest(req Request, now time.Time) *Phenopacket {
	creator := req.CreatedBy
	if creator == "" {
		creator = defaultSampleCreator
	}

	features := make([]PhenotypeFeature, 0, len(req.Params.HPOTerms))
	for _, term := range req.Params.HPOTerms {
		features = append(features, PhenotypeFeature{Type: term})
	}

	p := &Phenopacket{Phenopacket: PhenopacketBody{
		ID:                 req.SubjectRef,
		Subject:            Subject{ID: req.SubjectRef, Sex: unknownSex},
		PhenotypicFeatures: features,
		MetaData: MetaData{
			Created:                  now.UTC().Format(time.RFC3339),
			CreatedBy:                creator,
			Resources:                []Resource{hpoResource},
			PhenopacketSchemaVersion: phenopacketSchemaVersion,
		},
	}}
	if req.InputPath != "" {
		p.Phenopacket.HTSFiles = []HTSFile{{
			URI:            req.InputPath,
			HTSFormat:      "VCF",
			GenomeAssembly: req.Params.Assembly,
		}}
	}
	return p
}

// WritePhenopacket marshals p as YAML to path.
func WritePhenopacket(path string, p *Phenopacket) error {
	b, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal phenopacket: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o640)
}
