package api

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/gin-gonic/gin"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed contracts/*.schema.json
var contractFS embed.FS

// contractBaseURL namespaces the embedded schemas for the compiler.
const contractBaseURL = "https://celerix.dev/copilot/"

// maxBodyBytes caps request bodies read for validation.
const maxBodyBytes = 1 << 20

// Contracts holds the compiled request schemas, keyed by base name
// ("query", "thread", "source", "source_patch").
type Contracts struct {
	schemas map[string]*jsonschema.Schema
}

// LoadContracts compiles every embedded schema.
func LoadContracts() (*Contracts, error) {
	entries, err := contractFS.ReadDir("contracts")
	if err != nil {
		return nil, err
	}

	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		file := path.Join("contracts", e.Name())
		data, err := contractFS.ReadFile(file)
		if err != nil {
			return nil, err
		}
		url := contractBaseURL + file
		if err := compiler.AddResource(url, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", file, err)
		}
		names = append(names, url)
	}

	c := &Contracts{schemas: make(map[string]*jsonschema.Schema, len(names))}
	for _, url := range names {
		s, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", url, err)
		}
		base := path.Base(url)
		c.schemas[base[:len(base)-len(".schema.json")]] = s
	}
	return c, nil
}

// MustLoadContracts is LoadContracts for package-level wiring; the schemas
// are embedded, so a failure is a build defect.
func MustLoadContracts() *Contracts {
	c, err := LoadContracts()
	if err != nil {
		panic(err)
	}
	return c
}

// Validate returns middleware checking the JSON body against the named
// schema. An empty body is validated as {}. The body is restored for the
// handler to bind.
func (c *Contracts) Validate(name string) gin.HandlerFunc {
	s, ok := c.schemas[name]
	if !ok {
		panic("api: unknown contract " + name)
	}
	return func(ctx *gin.Context) {
		var raw []byte
		if ctx.Request.Body != nil {
			var err error
			raw, err = io.ReadAll(io.LimitReader(ctx.Request.Body, maxBodyBytes))
			if err != nil {
				ctx.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "could not read request body"})
				return
			}
		}
		ctx.Request.Body = io.NopCloser(bytes.NewReader(raw))

		var doc any = map[string]any{}
		if len(bytes.TrimSpace(raw)) > 0 {
			if err := json.Unmarshal(raw, &doc); err != nil {
				ctx.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid JSON: " + err.Error()})
				return
			}
		}
		if err := s.Validate(doc); err != nil {
			ctx.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": validationMessage(err)})
			return
		}
		ctx.Next()
	}
}

// validationMessage flattens a jsonschema error to its most specific cause.
func validationMessage(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return fmt.Sprintf("invalid request at %s: %s", loc, ve.Message)
}
