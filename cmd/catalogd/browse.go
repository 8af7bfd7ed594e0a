package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/novelshelf/catalogd/internal/core"
	"github.com/novelshelf/catalogd/internal/domain"
)

var (
	browsePage   int
	browseLatest bool
)

var popularCmd = &cobra.Command{
	Use:   "popular <source-id>",
	Short: "Browse a catalog's novel listing",
	Long: `Show one page of a catalog's listing. Without --latest the listing used last
time with this catalog is shown, popular by default.

Examples:
  catalogd popular 4321
  catalogd popular 4321 --latest --page 2
  catalogd popular 4321 --latest=false`,
	Args: cobra.ExactArgs(1),
	RunE: runPopular,
}

var searchCmd = &cobra.Command{
	Use:   "search <source-id> <query>",
	Short: "Search a catalog for novels",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runSearch,
}

var detailsCmd = &cobra.Command{
	Use:   "details <source-id> <url>",
	Short: "Show a novel's details",
	Args:  cobra.ExactArgs(2),
	RunE:  runDetails,
}

var chaptersCmd = &cobra.Command{
	Use:   "chapters <source-id> <url>",
	Short: "List a novel's chapters",
	Args:  cobra.ExactArgs(2),
	RunE:  runChapters,
}

var readCmd = &cobra.Command{
	Use:   "read <source-id> <url>",
	Short: "Print a chapter's content",
	Args:  cobra.ExactArgs(2),
	RunE:  runRead,
}

func init() {
	popularCmd.Flags().IntVarP(&browsePage, "page", "p", 1, "page to show")
	popularCmd.Flags().BoolVar(&browseLatest, "latest", false, "show the latest listing instead of popular")
	searchCmd.Flags().IntVarP(&browsePage, "page", "p", 1, "page to show")

	rootCmd.AddCommand(popularCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(detailsCmd)
	rootCmd.AddCommand(chaptersCmd)
	rootCmd.AddCommand(readCmd)
}

// withSource starts the service and resolves the source named by arg
func withSource(cmd *cobra.Command, arg string, fn func(*core.Service, domain.Source) error) error {
	id, err := parseSourceID(arg)
	if err != nil {
		return err
	}

	service, err := initService(cmd.Context())
	if err != nil {
		return fmt.Errorf("initializing service: %w", err)
	}
	defer service.Close()

	src, err := service.Source(id)
	if err != nil {
		return err
	}
	return fn(service, src)
}

func runPopular(cmd *cobra.Command, args []string) error {
	if browsePage < 1 {
		return fmt.Errorf("page must be at least 1")
	}
	return withSource(cmd, args[0], func(service *core.Service, src domain.Source) error {
		listing := service.LastListing(src.ID())
		if cmd.Flags().Changed("latest") {
			listing = core.ListingPopular
			if browseLatest {
				listing = core.ListingLatest
			}
			if err := service.SetLastListing(src.ID(), listing); err != nil {
				return fmt.Errorf("saving listing: %w", err)
			}
		}

		var (
			page *domain.NovelsPage
			err  error
		)
		if listing == core.ListingLatest {
			page, err = src.LatestNovels(cmd.Context(), browsePage)
		} else {
			page, err = src.PopularNovels(cmd.Context(), browsePage, nil)
		}
		if err != nil {
			return err
		}

		if verbose && !jsonOutput {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s, page %d\n\n", src.Name(), listing, browsePage)
		}
		return printPage(cmd.OutOrStdout(), page)
	})
}

func runSearch(cmd *cobra.Command, args []string) error {
	if browsePage < 1 {
		return fmt.Errorf("page must be at least 1")
	}
	query := strings.Join(args[1:], " ")
	return withSource(cmd, args[0], func(_ *core.Service, src domain.Source) error {
		page, err := src.SearchNovels(cmd.Context(), query, browsePage)
		if err != nil {
			return err
		}
		return printPage(cmd.OutOrStdout(), page)
	})
}

func printPage(out io.Writer, page *domain.NovelsPage) error {
	if page == nil {
		page = &domain.NovelsPage{}
	}
	if page.Items == nil {
		page.Items = []domain.NovelItem{}
	}
	if jsonOutput {
		return printJSON(out, page)
	}
	if len(page.Items) == 0 {
		fmt.Fprintln(out, "No novels found.")
		return nil
	}

	w := newTable(out)
	fmt.Fprintln(w, "NAME\tURL")
	fmt.Fprintln(w, "----\t---")
	for _, item := range page.Items {
		fmt.Fprintf(w, "%s\t%s\n", truncate(item.Name, 50), item.URL)
	}
	w.Flush()

	if page.HasNext {
		fmt.Fprintln(out, "\nMore results on the next page.")
	}
	return nil
}

func runDetails(cmd *cobra.Command, args []string) error {
	return withSource(cmd, args[0], func(_ *core.Service, src domain.Source) error {
		novel, err := src.GetNovelDetails(cmd.Context(), args[1])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, novel)
		}

		w := newTable(out)
		fmt.Fprintf(w, "Name:\t%s\n", novel.Name)
		fmt.Fprintf(w, "URL:\t%s\n", novel.URL)
		if novel.Author != "" {
			fmt.Fprintf(w, "Author:\t%s\n", novel.Author)
		}
		if novel.Artist != "" {
			fmt.Fprintf(w, "Artist:\t%s\n", novel.Artist)
		}
		if novel.Status != "" {
			fmt.Fprintf(w, "Status:\t%s\n", novel.Status)
		}
		if len(novel.Genres) > 0 {
			fmt.Fprintf(w, "Genres:\t%s\n", strings.Join(novel.Genres, ", "))
		}
		w.Flush()
		if novel.Summary != "" {
			fmt.Fprintf(out, "\n%s\n", novel.Summary)
		}
		return nil
	})
}

func runChapters(cmd *cobra.Command, args []string) error {
	return withSource(cmd, args[0], func(_ *core.Service, src domain.Source) error {
		chapters, err := src.GetChapters(cmd.Context(), args[1])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			if chapters == nil {
				chapters = []domain.Chapter{}
			}
			return printJSON(out, chapters)
		}
		if len(chapters) == 0 {
			fmt.Fprintln(out, "No chapters found.")
			return nil
		}

		w := newTable(out)
		fmt.Fprintln(w, "#\tNAME\tURL\tRELEASED")
		fmt.Fprintln(w, "-\t----\t---\t--------")
		for i, ch := range chapters {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", i+1, truncate(ch.Name, 50), ch.URL, ch.ReleaseTime)
		}
		w.Flush()
		return nil
	})
}

func runRead(cmd *cobra.Command, args []string) error {
	return withSource(cmd, args[0], func(_ *core.Service, src domain.Source) error {
		content, err := src.GetChapterContent(cmd.Context(), args[1])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]string{"path": args[1], "content": content})
		}
		fmt.Fprintln(cmd.OutOrStdout(), content)
		return nil
	})
}
