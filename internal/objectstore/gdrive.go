package objectstore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	driveScheme     = "gdrive://"
	driveFolderMime = "application/vnd.google-apps.folder"
)

// DriveStore keeps artifacts in a Google Drive folder tree that mirrors the
// object keys. References are gdrive://<file id>.
type DriveStore struct {
	service    *drive.Service
	folderName string

	mu       sync.Mutex
	folderID string
	folders  map[string]string
}

// NewDriveStore builds a store from an OAuth client credentials file and a
// previously authorized token (see AuthorizeDrive)
func NewDriveStore(ctx context.Context, credentialsFile, tokenFile, folderName string) (*DriveStore, error) {
	config, err := driveOAuthConfig(credentialsFile)
	if err != nil {
		return nil, err
	}
	tok, err := tokenFromFile(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("no usable drive token in %s, run the authorize-drive command first: %w", tokenFile, err)
	}

	srv, err := drive.NewService(ctx, option.WithHTTPClient(config.Client(ctx, tok)))
	if err != nil {
		return nil, fmt.Errorf("unable to create Drive service: %w", err)
	}
	return newDriveStore(srv, folderName), nil
}

func newDriveStore(srv *drive.Service, folderName string) *DriveStore {
	if folderName == "" {
		folderName = "Transcripts"
	}
	return &DriveStore{
		service:    srv,
		folderName: folderName,
		folders:    make(map[string]string),
	}
}

// AuthorizeDrive runs the OAuth consent flow on the terminal and stores the
// resulting token
func AuthorizeDrive(ctx context.Context, credentialsFile, tokenFile string, in io.Reader, out io.Writer) error {
	config, err := driveOAuthConfig(credentialsFile)
	if err != nil {
		return err
	}

	authURL := config.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	fmt.Fprintf(out, "Go to the following link in your browser:\n%v\n", authURL)
	fmt.Fprint(out, "Enter authorization code: ")

	code, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("unable to read authorization code: %w", err)
	}
	tok, err := config.Exchange(ctx, strings.TrimSpace(code))
	if err != nil {
		return fmt.Errorf("unable to retrieve token from web: %w", err)
	}
	return saveToken(tokenFile, tok)
}

func driveOAuthConfig(credentialsFile string) (*oauth2.Config, error) {
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file: %w", err)
	}
	config, err := google.ConfigFromJSON(b, drive.DriveFileScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse credentials: %w", err)
	}
	return config, nil
}

func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}

func saveToken(path string, token *oauth2.Token) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("unable to cache oauth token: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(token)
}

// Fetch downloads a file by id
func (ds *DriveStore) Fetch(ctx context.Context, ref string) (*Object, error) {
	id, ok := strings.CutPrefix(strings.TrimSpace(ref), driveScheme)
	if !ok || id == "" {
		return nil, fmt.Errorf("%w: %q is not a gdrive reference", ErrInvalidRef, ref)
	}
	resp, err := ds.service.Files.Get(id).Context(ctx).Download()
	if err != nil {
		return nil, driveError("download", err)
	}
	return &Object{Body: resp.Body, Size: resp.ContentLength}, nil
}

// Put uploads body into the folder matching the key's directory
func (ds *DriveStore) Put(ctx context.Context, key string, body io.Reader, _ int64, contentType string) (string, error) {
	key = strings.Trim(strings.TrimSpace(key), "/")
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidRef)
	}
	dir, name := path.Split(key)

	parentID, err := ds.ensureFolderPath(ctx, strings.Trim(dir, "/"))
	if err != nil {
		return "", err
	}

	file := &drive.File{Name: name, Parents: []string{parentID}}
	created, err := ds.service.Files.Create(file).
		Media(body, googleapi.ContentType(contentType)).
		Fields("id").Context(ctx).Do()
	if err != nil {
		return "", driveError("upload", err)
	}
	return driveScheme + created.Id, nil
}

// ensureFolderPath walks dir below the root folder, creating missing folders
func (ds *DriveStore) ensureFolderPath(ctx context.Context, dir string) (string, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.folderID == "" {
		id, err := ds.findOrCreateFolder(ctx, ds.folderName, "")
		if err != nil {
			return "", err
		}
		ds.folderID = id
	}
	if dir == "" {
		return ds.folderID, nil
	}
	if id, ok := ds.folders[dir]; ok {
		return id, nil
	}

	parent := ds.folderID
	walked := ""
	for _, part := range strings.Split(dir, "/") {
		walked = path.Join(walked, part)
		if id, ok := ds.folders[walked]; ok {
			parent = id
			continue
		}
		id, err := ds.findOrCreateFolder(ctx, part, parent)
		if err != nil {
			return "", err
		}
		ds.folders[walked] = id
		parent = id
	}
	return parent, nil
}

// findOrCreateFolder finds or creates a folder with the given parent; an
// empty parent searches the whole drive
func (ds *DriveStore) findOrCreateFolder(ctx context.Context, name, parentID string) (string, error) {
	query := fmt.Sprintf("name='%s' and mimeType='%s' and trashed=false", escapeQuery(name), driveFolderMime)
	if parentID != "" {
		query += fmt.Sprintf(" and '%s' in parents", escapeQuery(parentID))
	}

	r, err := ds.service.Files.List().Q(query).Spaces("drive").Fields("files(id, name)").Context(ctx).Do()
	if err != nil {
		return "", driveError("search folder", err)
	}
	if len(r.Files) > 0 {
		return r.Files[0].Id, nil
	}

	folder := &drive.File{Name: name, MimeType: driveFolderMime}
	if parentID != "" {
		folder.Parents = []string{parentID}
	}
	file, err := ds.service.Files.Create(folder).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", driveError("create folder", err)
	}
	return file.Id, nil
}

func escapeQuery(s string) string {
	return strings.ReplaceAll(s, "'", `\'`)
}

// driveError maps Drive API errors onto the package errors
func driveError(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		se := &StatusError{Op: "drive " + op, Code: gerr.Code, Body: gerr.Message}
		if gerr.Code == http.StatusNotFound {
			return fmt.Errorf("%w: %v", ErrNotFound, se)
		}
		return se
	}
	return fmt.Errorf("drive %s: %w", op, err)
}
